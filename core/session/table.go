// Package session tracks, per gateway, the UDP address downlinks should
// be returned to and the set of downlink tokens currently awaiting a
// TX_ACK. It is the only piece of shared mutable state in the
// multiplexer and must tolerate concurrent access from the Listener and
// every Forwarder.
package session

import (
	"net"
	"sync"
	"time"

	protocol "github.com/TheThingsNetwork/lora-udp-mux/lorawan/gateway"
)

// DefaultDownlinkAckTimeout is how long a pending downlink token is kept
// around waiting for a matching TX_ACK before it is silently dropped.
const DefaultDownlinkAckTimeout = 10 * time.Second

type pendingDownlink struct {
	forwarderIndex int
	issuedAt       time.Time
}

// Session is the in-memory state the table keeps per gateway.
type Session struct {
	ReturnAddr net.Addr
	LastSeen   time.Time

	pending map[uint16]pendingDownlink
}

// Table is a thread-safe map of GatewayId to Session.
type Table struct {
	mu                 sync.RWMutex
	sessions           map[protocol.GatewayId]*Session
	downlinkAckTimeout time.Duration
}

// NewTable creates an empty session table. A zero or negative
// ackTimeout falls back to DefaultDownlinkAckTimeout.
func NewTable(ackTimeout time.Duration) *Table {
	if ackTimeout <= 0 {
		ackTimeout = DefaultDownlinkAckTimeout
	}
	return &Table{
		sessions:           make(map[protocol.GatewayId]*Session),
		downlinkAckTimeout: ackTimeout,
	}
}

func (t *Table) sessionLocked(gid protocol.GatewayId) *Session {
	s, ok := t.sessions[gid]
	if !ok {
		s = &Session{pending: make(map[uint16]pendingDownlink)}
		t.sessions[gid] = s
	}
	return s
}

// NotePull sets the gateway's return address to addr, overwriting any
// previous value, and refreshes its last-seen timestamp. Called whenever
// a PULL_DATA is received from the gateway.
func (t *Table) NotePull(gid protocol.GatewayId, addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessionLocked(gid)
	s.ReturnAddr = addr
	s.LastSeen = time.Now()
}

// NoteUpstream refreshes the gateway's last-seen timestamp without
// touching its return address, used for PUSH_DATA/TX_ACK traffic.
func (t *Table) NoteUpstream(gid protocol.GatewayId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionLocked(gid).LastSeen = time.Now()
}

// RecordDownlink registers that a PULL_RESP with the given token was
// issued by forwarderIndex for gid. A prior entry for the same token is
// overwritten (last-writer-wins; tokens are chosen by servers and
// collisions are best-effort per spec.md §9).
func (t *Table) RecordDownlink(gid protocol.GatewayId, token uint16, forwarderIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessionLocked(gid)
	s.pending[token] = pendingDownlink{forwarderIndex: forwarderIndex, issuedAt: time.Now()}
}

// ClaimTxAck removes and returns the forwarder index that issued the
// downlink matching (gid, token). Expired entries are treated as absent.
// The bool result reports whether a live entry was found.
func (t *Table) ClaimTxAck(gid protocol.GatewayId, token uint16) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[gid]
	if !ok {
		return 0, false
	}
	pd, ok := s.pending[token]
	if !ok {
		return 0, false
	}
	delete(s.pending, token)

	if time.Since(pd.issuedAt) > t.downlinkAckTimeout {
		return 0, false
	}
	return pd.forwarderIndex, true
}

// LookupReturnAddr returns the gateway's last-known downlink return
// address, or nil if the gateway has never sent a PULL_DATA.
func (t *Table) LookupReturnAddr(gid protocol.GatewayId) net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[gid]
	if !ok {
		return nil
	}
	return s.ReturnAddr
}

// MostRecentGateway returns the GatewayId with the most recent activity
// that also has a known return address. PULL_RESP frames carry no
// GatewayId of their own, so a Forwarder receiving one from its server
// cannot tell which gateway it is destined for; with a single gateway
// per multiplexer (the deployment the Semtech protocol assumes) this is
// unambiguous, and it degrades gracefully to "most recently active" when
// several gateways share one multiplexer. The bool result is false when
// no gateway has ever sent a PULL_DATA.
func (t *Table) MostRecentGateway() (protocol.GatewayId, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		best    protocol.GatewayId
		bestAt  time.Time
		found   bool
	)
	for gid, s := range t.sessions {
		if s.ReturnAddr == nil {
			continue
		}
		if !found || s.LastSeen.After(bestAt) {
			best, bestAt, found = gid, s.LastSeen, true
		}
	}
	return best, found
}

// Len returns the number of gateways currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ReapIdle drops sessions whose last-seen timestamp is older than
// olderThan. It is an optional maintenance operation; correctness of the
// forwarding engine never depends on it running.
func (t *Table) ReapIdle(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	reaped := 0
	for gid, s := range t.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(t.sessions, gid)
			reaped++
		}
	}
	return reaped
}
