// Package listener implements the gateway-facing half of the
// multiplexer: a single UDP socket that every gateway talks to, handling
// PUSH_ACK/PULL_ACK replies, fan-out of uplinks to every forwarder.Forwarder,
// and fan-in of PULL_RESP downlinks back to the gateway that should
// receive them. Adapted from the accept/dispatch loop of
// backend/semtechudp.Backend in the retrieved lora-gateway-bridge
// reference, generalized from one network server to many.
package listener

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/TheThingsNetwork/lora-udp-mux/core/forwarder"
	"github.com/TheThingsNetwork/lora-udp-mux/core/metrics"
	"github.com/TheThingsNetwork/lora-udp-mux/core/session"
	"github.com/TheThingsNetwork/lora-udp-mux/core/tracing"
	"github.com/TheThingsNetwork/lora-udp-mux/core/transport"
	protocol "github.com/TheThingsNetwork/lora-udp-mux/lorawan/gateway"
)

const maxDatagramSize = 65507

// Listener owns the gateway-facing UDP socket.
type Listener struct {
	conn       transport.PacketConn
	table      *session.Table
	forwarders []*forwarder.Forwarder
	downlink   <-chan forwarder.DownlinkEvent
	log        *logrus.Entry
}

// New creates a Listener bound to conn, tracking gateways in table and
// fanning uplinks out to forwarders. downlink is the channel shared by
// every forwarder's DownlinkEvent producer.
func New(conn transport.PacketConn, table *session.Table, forwarders []*forwarder.Forwarder, downlink <-chan forwarder.DownlinkEvent, log *logrus.Entry) *Listener {
	return &Listener{
		conn:       conn,
		table:      table,
		forwarders: forwarders,
		downlink:   downlink,
		log:        log.WithField("component", "listener"),
	}
}

// Run starts the gateway read loop and the downlink fan-in loop and
// blocks until ctx is cancelled or the socket is closed.
func (l *Listener) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		l.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		l.downlinkLoop(ctx)
	}()

	wg.Wait()
}

// Close closes the gateway-facing socket, unblocking the read loop.
func (l *Listener) Close() error {
	return l.conn.Close()
}

func (l *Listener) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.WithError(err).Warn("listener: read from gateway socket failed")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.handleGatewayDatagram(ctx, raw, from)
	}
}

func (l *Listener) handleGatewayDatagram(ctx context.Context, raw []byte, from net.Addr) {
	header, err := protocol.Classify(raw)
	if err != nil {
		l.log.WithError(err).Warn("listener: malformed datagram from gateway")
		metrics.PacketsDropped.WithLabelValues("listener", "decode_error").Inc()
		return
	}

	span, ctx := tracing.StartPacketSpan(ctx, "listener.handleGatewayDatagram", "listener", header.Type.String())
	defer span.Finish()

	metrics.PacketsReceived.WithLabelValues("listener", header.Type.String()).Inc()

	switch header.Type {
	case protocol.PushData:
		l.table.NoteUpstream(header.GatewayId)
		l.ackAndBroadcast(header, raw, from, protocol.PushAck)
	case protocol.PullData:
		l.table.NotePull(header.GatewayId, from)
		l.ackAndBroadcast(header, raw, from, protocol.PullAck)
	case protocol.TxAck:
		l.table.NoteUpstream(header.GatewayId)
		l.routeTxAck(ctx, header, raw)
	default:
		l.log.WithField("type", header.Type).Warn("listener: unexpected datagram from gateway")
		metrics.PacketsDropped.WithLabelValues("listener", "decode_error").Inc()
	}

	metrics.GatewaySessions.Set(float64(l.table.Len()))
}

// ackAndBroadcast replies immediately to the gateway with ackType, then
// hands the original datagram to every forwarder for independent
// filtering and forwarding.
func (l *Listener) ackAndBroadcast(header protocol.Header, raw []byte, from net.Addr, ackType protocol.PacketType) {
	ack, err := protocol.AckFor(raw, ackType)
	if err != nil {
		l.log.WithError(err).Warn("listener: build acknowledgement")
		metrics.PacketsDropped.WithLabelValues("listener", "decode_error").Inc()
		return
	}
	if _, err := l.conn.WriteTo(ack, from); err != nil {
		l.log.WithError(err).WithField("type", ackType).Warn("listener: send acknowledgement failed")
		metrics.PacketsDropped.WithLabelValues("listener", "transport_error").Inc()
	} else {
		metrics.PacketsSent.WithLabelValues("listener", ackType.String()).Inc()
	}

	for _, f := range l.forwarders {
		f.Offer(forwarder.UplinkEvent{Header: header, Raw: raw, From: from})
	}
}

// routeTxAck delivers a TX_ACK only to the forwarder whose server issued
// the matching PULL_RESP; no reply is sent to the gateway.
func (l *Listener) routeTxAck(_ context.Context, header protocol.Header, raw []byte) {
	idx, ok := l.table.ClaimTxAck(header.GatewayId, header.Token)
	if !ok {
		l.log.WithField("gateway", header.GatewayId).Warn("listener: TX_ACK with no matching downlink")
		metrics.PacketsDropped.WithLabelValues("listener", "no_tx_ack_owner").Inc()
		return
	}
	if idx < 0 || idx >= len(l.forwarders) {
		l.log.WithField("forwarder", idx).Warn("listener: TX_ACK owner index out of range")
		metrics.PacketsDropped.WithLabelValues("listener", "no_tx_ack_owner").Inc()
		return
	}
	l.forwarders[idx].Offer(forwarder.UplinkEvent{Header: header, Raw: raw})
}

func (l *Listener) downlinkLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.downlink:
			if !ok {
				return
			}
			l.handleDownlink(ctx, ev)
		}
	}
}

func (l *Listener) handleDownlink(ctx context.Context, ev forwarder.DownlinkEvent) {
	span, _ := tracing.StartPacketSpan(ctx, "listener.handleDownlink", "listener", "PULL_RESP")
	defer span.Finish()

	gid, ok := l.table.MostRecentGateway()
	if !ok {
		l.log.Warn("listener: PULL_RESP with no known gateway, dropping")
		metrics.PacketsDropped.WithLabelValues("listener", "unknown_gateway").Inc()
		return
	}

	addr := l.table.LookupReturnAddr(gid)
	if addr == nil {
		l.log.Warn("listener: PULL_RESP target gateway has no return address, dropping")
		metrics.PacketsDropped.WithLabelValues("listener", "unknown_gateway").Inc()
		return
	}

	l.table.RecordDownlink(gid, ev.Token, ev.ForwarderIndex)

	if _, err := l.conn.WriteTo(ev.Raw, addr); err != nil {
		l.log.WithError(err).Warn("listener: send PULL_RESP to gateway failed")
		metrics.PacketsDropped.WithLabelValues("listener", "transport_error").Inc()
		return
	}
	metrics.PacketsSent.WithLabelValues("listener", "PULL_RESP").Inc()
}
