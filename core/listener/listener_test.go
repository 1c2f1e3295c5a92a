package listener

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheThingsNetwork/lora-udp-mux/core/forwarder"
	"github.com/TheThingsNetwork/lora-udp-mux/core/session"
	"github.com/TheThingsNetwork/lora-udp-mux/core/transport"
	"github.com/TheThingsNetwork/lora-udp-mux/lorawan/filter"
)

type testRig struct {
	listener   *Listener
	gatewayConn *transport.MemConn
	serverConn  *transport.MemConn
	downlink    chan forwarder.DownlinkEvent
	table       *session.Table
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := logrus.NewEntry(logrus.New())

	gatewayConn := transport.NewMemConn("mux-gateway-side")
	remoteGateway := transport.NewMemConn("gateway")
	gatewayConn.Connect(remoteGateway)
	remoteGateway.Connect(gatewayConn)

	muxServerConn := transport.NewMemConn("mux-server-side")
	serverConn := transport.NewMemConn("server")
	muxServerConn.Connect(serverConn)
	serverConn.Connect(muxServerConn)

	downlink := make(chan forwarder.DownlinkEvent, 4)
	f := forwarder.New(0, "server", filter.Set{}, muxServerConn, transport.MemAddr("server"), downlink, 4, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.Run(ctx)

	table := session.NewTable(time.Minute)
	l := New(gatewayConn, table, []*forwarder.Forwarder{f}, downlink, log)
	go l.Run(ctx)

	return &testRig{listener: l, gatewayConn: remoteGateway, serverConn: serverConn, downlink: downlink, table: table}
}

func TestListenerAcksPullDataAndRecordsReturnAddr(t *testing.T) {
	rig := newTestRig(t)

	pullData := []byte{0x02, 0x00, 0x01, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err := rig.gatewayConn.WriteTo(pullData, transport.MemAddr("mux-gateway-side"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, _, err := rig.gatewayConn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x01, 0x04}, buf[:n])
	assert.Equal(t, transport.MemAddr("gateway"), rig.table.LookupReturnAddr([8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
}

func TestListenerAcksPushDataAndBroadcastsToForwarder(t *testing.T) {
	rig := newTestRig(t)

	body := `{"rxpk":[]}`
	pushData := append([]byte{0x02, 0xaa, 0xbb, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(body)...)
	_, err := rig.gatewayConn.WriteTo(pushData, transport.MemAddr("mux-gateway-side"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, _, err := rig.gatewayConn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb, 0x01}, buf[:n])

	serverBuf := make([]byte, 256)
	n, _, err = rig.serverConn.ReadFrom(serverBuf)
	require.NoError(t, err)
	assert.Equal(t, pushData, serverBuf[:n])
}

func TestListenerRoutesDownlinkToMostRecentGateway(t *testing.T) {
	rig := newTestRig(t)

	pullData := []byte{0x02, 0x00, 0x01, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}
	_, err := rig.gatewayConn.WriteTo(pullData, transport.MemAddr("mux-gateway-side"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	_, _, err = rig.gatewayConn.ReadFrom(buf) // drain PULL_ACK
	require.NoError(t, err)

	pullResp := []byte{0x02, 0xcc, 0xdd, 0x03, '{', '}'}
	_, err = rig.serverConn.WriteTo(pullResp, transport.MemAddr("mux-server-side"))
	require.NoError(t, err)

	n, _, err := rig.gatewayConn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, pullResp, buf[:n])

	idx, ok := rig.table.ClaimTxAck([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0xccdd)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestListenerDropsDownlinkWithNoKnownGateway(t *testing.T) {
	rig := newTestRig(t)

	pullResp := []byte{0x02, 0x11, 0x22, 0x03, '{', '}'}
	_, err := rig.serverConn.WriteTo(pullResp, transport.MemAddr("mux-server-side"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := rig.gatewayConn.ReadFrom(buf)
		errCh <- err
	}()

	select {
	case <-errCh:
		t.Fatal("gateway should not have received anything")
	case <-time.After(100 * time.Millisecond):
	}
}
