// Copyright © 2015 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TheThingsNetwork/lora-udp-mux/core/config"
	"github.com/TheThingsNetwork/lora-udp-mux/core/metrics"
	"github.com/TheThingsNetwork/lora-udp-mux/core/multiplexer"
	"github.com/TheThingsNetwork/lora-udp-mux/core/tracing"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loramux",
	Short: "Multiplex gateway UDP traffic across several LoRaWAN network servers",
	RunE:  run,
}

func init() {
	defaults := config.Defaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML or JSON configuration file")
	rootCmd.PersistentFlags().String("bind", defaults.Bind, "gateway-facing UDP bind address")
	rootCmd.PersistentFlags().String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("status-interval", defaults.StatusInterval, "interval between status log lines")
	rootCmd.PersistentFlags().Duration("downlink-ack-timeout", defaults.DownlinkAckTimeout, "how long a downlink waits for a TX_ACK")
	rootCmd.PersistentFlags().Duration("gateway-idle-timeout", defaults.GatewayIdleTimeout, "drop gateway sessions idle longer than this (0 disables)")
	rootCmd.PersistentFlags().String("metrics-bind", defaults.Metrics.Bind, "Prometheus /metrics bind address")

	viper.BindPFlag("bind", rootCmd.PersistentFlags().Lookup("bind"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("status_interval", rootCmd.PersistentFlags().Lookup("status-interval"))
	viper.BindPFlag("downlink_ack_timeout", rootCmd.PersistentFlags().Lookup("downlink-ack-timeout"))
	viper.BindPFlag("gateway_idle_timeout", rootCmd.PersistentFlags().Lookup("gateway-idle-timeout"))
	viper.BindPFlag("metrics.bind", rootCmd.PersistentFlags().Lookup("metrics-bind"))
}

func loadConfig() (config.Configuration, error) {
	v := viper.GetViper()
	d := config.Defaults()
	v.SetDefault("bind", d.Bind)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("status_interval", d.StatusInterval)
	v.SetDefault("downlink_ack_timeout", d.DownlinkAckTimeout)
	v.SetDefault("gateway_idle_timeout", d.GatewayIdleTimeout)
	v.SetDefault("metrics.bind", d.Metrics.Bind)

	v.SetEnvPrefix("loramux")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Configuration{}, errors.Wrap(err, "loramux: read config file")
		}
	}

	return config.Load(v)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("log_level", cfg.LogLevel).Warn("loramux: unrecognized log level, defaulting to info")
	}
	entry := logrus.NewEntry(log)

	tracing.SetTracer(opentracing.NoopTracer{})

	if cfg.Metrics.Bind != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Bind); err != nil {
				entry.WithError(err).Error("loramux: metrics server stopped")
			}
		}()
	}

	mux := multiplexer.FromConfig(cfg, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		entry.Info("loramux: shutting down")
		cancel()
	}()

	entry.WithField("bind", cfg.Bind).WithField("servers", len(cfg.Servers)).Info("loramux: starting")
	return mux.Run(ctx)
}
