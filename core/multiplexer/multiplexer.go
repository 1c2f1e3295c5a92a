// Package multiplexer wires together the session table, one
// forwarder.Forwarder per configured downstream server, and the
// gateway-facing listener.Listener into a single runnable component,
// with a WithServer builder and an Init/Run/Shutdown lifecycle.
package multiplexer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/TheThingsNetwork/lora-udp-mux/core/config"
	"github.com/TheThingsNetwork/lora-udp-mux/core/forwarder"
	"github.com/TheThingsNetwork/lora-udp-mux/core/listener"
	"github.com/TheThingsNetwork/lora-udp-mux/core/metrics"
	"github.com/TheThingsNetwork/lora-udp-mux/core/session"
	"github.com/TheThingsNetwork/lora-udp-mux/core/transport"
)

// Multiplexer is the assembled runtime: one gateway-facing socket, N
// forwarders, the shared session table, and the listener tying them
// together.
type Multiplexer struct {
	bind               string
	statusInterval     time.Duration
	downlinkAckTimeout time.Duration
	gatewayIdleTimeout time.Duration

	serverConfigs []config.ServerConfig

	log *logrus.Entry

	gatewayConn transport.PacketConn
	table       *session.Table
	forwarders  []*forwarder.Forwarder
	downlink    chan forwarder.DownlinkEvent
	listener    *listener.Listener
}

// New creates a Multiplexer that will bind bind for gateway traffic.
// Servers are added with WithServer before calling Run.
func New(bind string, log *logrus.Entry) *Multiplexer {
	return &Multiplexer{
		bind: bind,
		log:  log.WithField("component", "multiplexer"),
	}
}

// WithStatusInterval sets how often a summary of tracked gateways is
// logged. Zero disables the ticker.
func (m *Multiplexer) WithStatusInterval(d time.Duration) *Multiplexer {
	m.statusInterval = d
	return m
}

// WithDownlinkAckTimeout sets how long a pending downlink token is kept
// waiting for a TX_ACK before it is treated as abandoned.
func (m *Multiplexer) WithDownlinkAckTimeout(d time.Duration) *Multiplexer {
	m.downlinkAckTimeout = d
	return m
}

// WithGatewayIdleTimeout enables the idle-gateway reaper, dropping
// session state for gateways that have not been seen in d. Zero disables
// the reaper, leaving session state to grow for the process lifetime.
func (m *Multiplexer) WithGatewayIdleTimeout(d time.Duration) *Multiplexer {
	m.gatewayIdleTimeout = d
	return m
}

// WithServer registers one downstream network server to forward to.
func (m *Multiplexer) WithServer(cfg config.ServerConfig) *Multiplexer {
	m.serverConfigs = append(m.serverConfigs, cfg)
	return m
}

// FromConfig builds a Multiplexer from a fully validated Configuration.
func FromConfig(cfg config.Configuration, log *logrus.Entry) *Multiplexer {
	m := New(cfg.Bind, log).
		WithStatusInterval(cfg.StatusInterval).
		WithDownlinkAckTimeout(cfg.DownlinkAckTimeout).
		WithGatewayIdleTimeout(cfg.GatewayIdleTimeout)
	for _, s := range cfg.Servers {
		m.WithServer(s)
	}
	return m
}

// Init binds the gateway socket and a client socket per server, and
// assembles the session table, forwarders and listener. Run calls it
// automatically; exposed separately so tests can inspect the assembled
// graph before starting goroutines.
func (m *Multiplexer) Init() error {
	if len(m.serverConfigs) == 0 {
		return errors.New("multiplexer: at least one server must be configured")
	}

	gatewayConn, err := transport.ListenUDP(m.bind)
	if err != nil {
		return errors.Wrapf(err, "multiplexer: listen on %s", m.bind)
	}
	m.gatewayConn = gatewayConn
	m.table = session.NewTable(m.downlinkAckTimeout)
	m.downlink = make(chan forwarder.DownlinkEvent, 64)

	for i, sc := range m.serverConfigs {
		filterSet, err := sc.Filters.ToFilterSet()
		if err != nil {
			return errors.Wrapf(err, "multiplexer: server[%d]", i)
		}

		conn, err := transport.DialUDP(sc.Address)
		if err != nil {
			return errors.Wrapf(err, "multiplexer: dial server[%d] %s", i, sc.Address)
		}
		remote, err := net.ResolveUDPAddr("udp", sc.Address)
		if err != nil {
			return errors.Wrapf(err, "multiplexer: resolve server[%d] %s", i, sc.Address)
		}

		f := forwarder.New(i, sc.Address, filterSet, conn, remote, m.downlink, 0, m.log)
		m.forwarders = append(m.forwarders, f)
	}

	m.listener = listener.New(m.gatewayConn, m.table, m.forwarders, m.downlink, m.log)
	return nil
}

// GatewayAddr returns the address the gateway-facing socket is actually
// bound to, useful in tests that bind an ephemeral port (":0").
func (m *Multiplexer) GatewayAddr() net.Addr {
	if m.gatewayConn == nil {
		return nil
	}
	return m.gatewayConn.LocalAddr()
}

// Run initializes the multiplexer if needed, starts every forwarder and
// the listener, and blocks until ctx is cancelled. It always closes the
// sockets it opened before returning.
func (m *Multiplexer) Run(ctx context.Context) error {
	if m.gatewayConn == nil {
		if err := m.Init(); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, f := range m.forwarders {
		wg.Add(1)
		go func(f *forwarder.Forwarder) {
			defer wg.Done()
			f.Run(ctx)
		}(f)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.listener.Run(ctx)
	}()

	if m.statusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.statusLoop(ctx)
		}()
	}

	if m.gatewayIdleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reapLoop(ctx)
		}()
	}

	<-ctx.Done()
	// Closing the sockets unblocks the read loops, which then observe the
	// cancelled context and exit.
	m.Shutdown()
	wg.Wait()
	return nil
}

// Shutdown closes every socket the multiplexer opened, unblocking the
// goroutines started by Run.
func (m *Multiplexer) Shutdown() {
	if m.gatewayConn != nil {
		m.gatewayConn.Close()
	}
	for _, f := range m.forwarders {
		f.Close()
	}
}

func (m *Multiplexer) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(m.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := m.table.Len()
			metrics.GatewaySessions.Set(float64(n))
			m.log.WithField("gateways", n).Info("multiplexer: status")
		}
	}
}

func (m *Multiplexer) reapLoop(ctx context.Context) {
	interval := m.gatewayIdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped := m.table.ReapIdle(m.gatewayIdleTimeout)
			if reaped > 0 {
				m.log.WithField("reaped", reaped).Info("multiplexer: reaped idle gateways")
			}
		}
	}
}
