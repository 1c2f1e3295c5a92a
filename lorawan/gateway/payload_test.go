package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePushDataPreservesUnknownKeys(t *testing.T) {
	body := []byte(`{"rxpk":[{"data":"QAQDAgE=","chan":3,"rssi":-46}],"stat":{"rxnb":1}}`)
	p, err := ParsePushData(body)
	require.NoError(t, err)
	require.Len(t, p.RxPk, 1)
	assert.Equal(t, "QAQDAgE=", p.RxPk[0].Data)
	assert.Contains(t, p.RxPk[0].Other, "chan")
	assert.Contains(t, p.Other, "stat")
	assert.False(t, p.IsEmpty())

	out, err := p.EncodePushData()
	require.NoError(t, err)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Contains(t, roundTripped, "rxpk")
	assert.Contains(t, roundTripped, "stat")

	rxpk := roundTripped["rxpk"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "QAQDAgE=", rxpk["data"])
	assert.Equal(t, float64(3), rxpk["chan"])
}

func TestPushDataPayloadIsEmpty(t *testing.T) {
	p, err := ParsePushData([]byte(`{"rxpk":[]}`))
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	p, err = ParsePushData([]byte(`{}`))
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	p, err = ParsePushData([]byte(`{"stat":{"rxnb":1}}`))
	require.NoError(t, err)
	assert.False(t, p.IsEmpty())
}

func TestParsePushDataMalformedJSON(t *testing.T) {
	_, err := ParsePushData([]byte(`not json`))
	require.Error(t, err)
	var je *JsonError
	assert.ErrorAs(t, err, &je)
}

func TestEncodePushDataFrame(t *testing.T) {
	h := Header{Version: V2, Token: 0x0102, GatewayId: GatewayId{1, 2, 3, 4, 5, 6, 7, 8}}
	p, err := ParsePushData([]byte(`{"rxpk":[{"data":"QAQDAgE="}]}`))
	require.NoError(t, err)

	frame, err := EncodePushDataFrame(h, p)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x02, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, frame[:12])
}
