// Package forwarder implements the per-server forwarding half of the
// multiplexer: a UDP client socket to one downstream network server, a
// send loop that filters and emits uplinks toward it, and a receive loop
// that handles PUSH_ACK/PULL_ACK/PULL_RESP traffic coming back. Adapted
// from the read/send goroutine-pair and channel plumbing of
// backend/semtechudp.Backend in the retrieved lora-gateway-bridge
// reference.
package forwarder

import (
	"context"
	"encoding/base64"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/TheThingsNetwork/lora-udp-mux/core/metrics"
	"github.com/TheThingsNetwork/lora-udp-mux/core/tracing"
	"github.com/TheThingsNetwork/lora-udp-mux/core/transport"
	"github.com/TheThingsNetwork/lora-udp-mux/lorawan/filter"
	protocol "github.com/TheThingsNetwork/lora-udp-mux/lorawan/gateway"
)

// maxDatagramSize is large enough for any Semtech UDP frame; datagrams
// never legitimately approach the UDP payload ceiling.
const maxDatagramSize = 65507

// UplinkEvent is a datagram the Listener received from the gateway and is
// broadcasting to every Forwarder for independent filtering.
type UplinkEvent struct {
	Header protocol.Header
	Raw    []byte
	From   net.Addr
}

// DownlinkEvent is a PULL_RESP a Forwarder received from its server,
// handed back to the Listener so it can be routed to the gateway.
type DownlinkEvent struct {
	ForwarderIndex int
	Token          uint16
	Raw            []byte
}

// Forwarder owns the UDP client socket to one downstream server.
type Forwarder struct {
	Index   int
	Address string
	Filters filter.Set

	conn   transport.PacketConn
	remote net.Addr
	log    *logrus.Entry
	uplink chan UplinkEvent

	downlink chan<- DownlinkEvent
}

// New creates a Forwarder bound to conn, sending to remote. remote is the
// server's address on conn's transport (for a dialed UDP socket this is
// the dial target; WriteTo on such a socket ignores it, but MemConn and
// any other undialed PacketConn need it to route the datagram). downlink
// is the shared channel the Listener drains PULL_RESP events from;
// uplinkBuffer bounds the per-forwarder backlog of uplinks awaiting
// filtering (overflow drops the newest datagram, per the spec's
// backpressure rule).
func New(index int, address string, filters filter.Set, conn transport.PacketConn, remote net.Addr, downlink chan<- DownlinkEvent, uplinkBuffer int, log *logrus.Entry) *Forwarder {
	if uplinkBuffer <= 0 {
		uplinkBuffer = 64
	}
	return &Forwarder{
		Index:    index,
		Address:  address,
		Filters:  filters,
		conn:     conn,
		remote:   remote,
		log:      log.WithField("server", address),
		uplink:   make(chan UplinkEvent, uplinkBuffer),
		downlink: downlink,
	}
}

// Offer hands an uplink datagram to the forwarder for filtering. It never
// blocks: on a full backlog the newest datagram is dropped so a slow
// forwarder cannot back-pressure the Listener or other forwarders.
func (f *Forwarder) Offer(ev UplinkEvent) {
	select {
	case f.uplink <- ev:
	default:
		metrics.PacketsDropped.WithLabelValues("forwarder", "backpressure").Inc()
		f.log.Warn("forwarder: uplink backlog full, dropping datagram")
	}
}

// Run starts the send and receive loops and blocks until ctx is
// cancelled or the socket is closed.
func (f *Forwarder) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		f.sendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		f.receiveLoop(ctx)
	}()

	wg.Wait()
}

// Close closes the forwarder's socket, unblocking its receive loop.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}

func (f *Forwarder) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.uplink:
			if !ok {
				return
			}
			f.handleUplink(ctx, ev)
		}
	}
}

func (f *Forwarder) handleUplink(ctx context.Context, ev UplinkEvent) {
	span, _ := tracing.StartPacketSpan(ctx, "forwarder.handleUplink", "forwarder", ev.Header.Type.String())
	defer span.Finish()

	switch ev.Header.Type {
	case protocol.PushData:
		f.handlePushData(ev)
	case protocol.PullData, protocol.TxAck:
		f.send(ev.Raw, ev.Header.Type)
	default:
		f.log.WithField("type", ev.Header.Type).Warn("forwarder: unexpected uplink type")
	}
}

func (f *Forwarder) handlePushData(ev UplinkEvent) {
	if len(ev.Raw) < 12 {
		metrics.PacketsDropped.WithLabelValues("forwarder", "decode_error").Inc()
		return
	}

	payload, err := protocol.ParsePushData(ev.Raw[12:])
	if err != nil {
		f.log.WithError(err).Warn("forwarder: malformed push-data body")
		metrics.PacketsDropped.WithLabelValues("forwarder", "decode_error").Inc()
		return
	}

	matched := payload.RxPk[:0:0]
	pruned := 0
	for _, rx := range payload.RxPk {
		phy, err := decodeData(rx.Data)
		if err == nil && f.Filters.Matches(phy) {
			matched = append(matched, rx)
		} else {
			pruned++
		}
	}

	if pruned == 0 {
		// Nothing was filtered out: forward the original bytes verbatim.
		f.send(ev.Raw, protocol.PushData)
		return
	}

	metrics.RxPkFiltered.WithLabelValues(f.Address).Add(float64(pruned))

	filteredPayload := &protocol.PushDataPayload{RxPk: matched, Other: payload.Other}
	if filteredPayload.IsEmpty() {
		metrics.PacketsDropped.WithLabelValues("forwarder", "empty_payload").Inc()
		return
	}

	frame, err := protocol.EncodePushDataFrame(ev.Header, filteredPayload)
	if err != nil {
		f.log.WithError(err).Error("forwarder: re-encode filtered push-data")
		metrics.PacketsDropped.WithLabelValues("forwarder", "decode_error").Inc()
		return
	}
	f.send(frame, protocol.PushData)
}

func (f *Forwarder) send(raw []byte, packetType protocol.PacketType) {
	if _, err := f.conn.WriteTo(raw, f.remote); err != nil {
		f.log.WithError(err).WithField("type", packetType).Warn("forwarder: send to server failed")
		metrics.PacketsDropped.WithLabelValues("forwarder", "transport_error").Inc()
		return
	}
	metrics.PacketsSent.WithLabelValues("forwarder", packetType.String()).Inc()
}

func (f *Forwarder) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.WithError(err).Warn("forwarder: read from server failed")
			metrics.PacketsDropped.WithLabelValues("forwarder", "transport_error").Inc()
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		f.handleServerDatagram(ctx, raw)
	}
}

func (f *Forwarder) handleServerDatagram(ctx context.Context, raw []byte) {
	header, err := protocol.Classify(raw)
	if err != nil {
		f.log.WithError(err).Warn("forwarder: malformed datagram from server")
		metrics.PacketsDropped.WithLabelValues("forwarder", "decode_error").Inc()
		return
	}

	span, _ := tracing.StartPacketSpan(ctx, "forwarder.handleServerDatagram", "forwarder", header.Type.String())
	defer span.Finish()

	metrics.PacketsReceived.WithLabelValues("forwarder", header.Type.String()).Inc()

	switch header.Type {
	case protocol.PushAck, protocol.PullAck:
		// Server acknowledgements; keepalive bookkeeping is optional, so
		// there is nothing to do.
	case protocol.PullResp:
		ev := DownlinkEvent{ForwarderIndex: f.Index, Token: header.Token, Raw: raw}
		select {
		case f.downlink <- ev:
		default:
			metrics.PacketsDropped.WithLabelValues("forwarder", "backpressure").Inc()
			f.log.Warn("forwarder: downlink backlog full, dropping PULL_RESP")
		}
	default:
		f.log.WithField("type", header.Type).Warn("forwarder: unexpected datagram from server")
		metrics.PacketsDropped.WithLabelValues("forwarder", "decode_error").Inc()
	}
}

func decodeData(b64 string) ([]byte, error) {
	phy, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "forwarder: decode rxpk data")
	}
	return phy, nil
}
