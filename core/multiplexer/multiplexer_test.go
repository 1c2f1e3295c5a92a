package multiplexer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheThingsNetwork/lora-udp-mux/core/config"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// newRunningMultiplexer starts a Multiplexer bound to an ephemeral
// loopback port forwarding to a single fake server, also bound to an
// ephemeral loopback port. It returns the fake server's socket and a
// socket dialled as the gateway.
func newRunningMultiplexer(t *testing.T, filters config.FilterConfig) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	server := mustListenUDP(t)

	m := New("127.0.0.1:0", logrus.NewEntry(logrus.New())).
		WithServer(config.ServerConfig{Address: server.LocalAddr().String(), Filters: filters})
	require.NoError(t, m.Init())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	gatewayAddr := m.GatewayAddr().(*net.UDPAddr)
	gw, err := net.DialUDP("udp", nil, gatewayAddr)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	return server, gw
}

func readWithDeadline(t *testing.T, conn *net.UDPConn, d time.Duration) ([]byte, net.Addr) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	n, addr, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	return buf[:n], addr
}

func expectNoRead(t *testing.T, conn *net.UDPConn, d time.Duration) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := conn.ReadFrom(buf)
	assert.Error(t, err, "expected read to time out")
}

func TestMultiplexerAcksAndForwardsPullData(t *testing.T) {
	server, gw := newRunningMultiplexer(t, config.FilterConfig{})

	pullData := []byte{0x02, 0x00, 0x01, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err := gw.Write(pullData)
	require.NoError(t, err)

	ack, _ := readWithDeadline(t, gw, time.Second)
	assert.Equal(t, []byte{0x02, 0x00, 0x01, 0x04}, ack)

	forwarded, _ := readWithDeadline(t, server, time.Second)
	assert.Equal(t, pullData, forwarded)
}

func TestMultiplexerForwardsMatchingDevAddrPushData(t *testing.T) {
	server, gw := newRunningMultiplexer(t, config.FilterConfig{DevAddrPrefixes: []string{"01000000/8"}})

	body := `{"rxpk":[{"data":"QAQDAgE="}]}`
	pushData := append([]byte{0x02, 0x01, 0x02, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(body)...)
	_, err := gw.Write(pushData)
	require.NoError(t, err)

	ack, _ := readWithDeadline(t, gw, time.Second)
	assert.Equal(t, []byte{0x02, 0x01, 0x02, 0x01}, ack)

	forwarded, _ := readWithDeadline(t, server, time.Second)
	assert.Equal(t, pushData, forwarded)
}

func TestMultiplexerDropsNonMatchingJoinEUIPushData(t *testing.T) {
	server, gw := newRunningMultiplexer(t, config.FilterConfig{JoinEUIPrefixes: []string{"0200000000000000/8"}})

	body := `{"rxpk":[{"data":"AAgHBgUEAwIBAAAAAAAAAAA="}]}`
	pushData := append([]byte{0x02, 0x03, 0x04, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(body)...)
	_, err := gw.Write(pushData)
	require.NoError(t, err)

	ack, _ := readWithDeadline(t, gw, time.Second)
	assert.Equal(t, []byte{0x02, 0x03, 0x04, 0x01}, ack)

	expectNoRead(t, server, 200*time.Millisecond)
}

func TestMultiplexerRoundTripsDownlinkAndTxAck(t *testing.T) {
	server, gw := newRunningMultiplexer(t, config.FilterConfig{})

	pullData := []byte{0x02, 0x00, 0x01, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err := gw.Write(pullData)
	require.NoError(t, err)
	_, _ = readWithDeadline(t, gw, time.Second) // PULL_ACK
	_, forwarderAddr := readWithDeadline(t, server, time.Second)

	pullResp := []byte{0x02, 0xcc, 0xdd, 0x03, '{', '}'}
	_, err = server.WriteTo(pullResp, forwarderAddr)
	require.NoError(t, err)

	downlink, _ := readWithDeadline(t, gw, time.Second)
	assert.Equal(t, pullResp, downlink)

	txAck := []byte{0x02, 0xcc, 0xdd, 0x05, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err = gw.Write(txAck)
	require.NoError(t, err)

	forwardedTxAck, _ := readWithDeadline(t, server, time.Second)
	assert.Equal(t, txAck, forwardedTxAck)
}

func TestMultiplexerDropsDownlinkWithUnknownGateway(t *testing.T) {
	server, gw := newRunningMultiplexer(t, config.FilterConfig{})

	// Trigger a PUSH_DATA (not PULL_DATA) so the forwarder's client
	// socket becomes visible to the fake server without ever recording a
	// return address in the session table; the session table therefore
	// has no gateway to route a PULL_RESP to.
	pushData := []byte{0x02, 0x01, 0x02, 0x00, 9, 9, 9, 9, 9, 9, 9, 9, '{', '}'}
	_, err := gw.Write(pushData)
	require.NoError(t, err)
	_, _ = readWithDeadline(t, gw, time.Second) // PUSH_ACK
	_, forwarderAddr := readWithDeadline(t, server, time.Second)

	pullResp := []byte{0x02, 0x11, 0x22, 0x03, '{', '}'}
	_, err = server.WriteTo(pullResp, forwarderAddr)
	require.NoError(t, err)

	expectNoRead(t, gw, 200*time.Millisecond)
}
