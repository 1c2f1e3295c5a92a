package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JsonError reports a malformed Semtech UDP JSON body.
type JsonError struct {
	cause error
}

func (e *JsonError) Error() string {
	return "semtech: invalid json payload: " + e.cause.Error()
}

func (e *JsonError) Unwrap() error {
	return e.cause
}

// RxPk is a single uplink radio packet as reported by the gateway. Only
// Data is given an explicit field, since it is the only key the filter
// needs to inspect; every other key (chan, freq, datr, rssi, ...) round
// trips through Other untouched.
type RxPk struct {
	Data  string `json:"data"`
	Other map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Data back in among the preserved unknown keys.
func (r RxPk) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Other)+1)
	for k, v := range r.Other {
		out[k] = v
	}
	encoded, err := json.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	out["data"] = encoded
	return json.Marshal(out)
}

// UnmarshalJSON keeps "data" as a known field and stashes every other key
// verbatim so it can be re-serialised unchanged.
func (r *RxPk) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if data, ok := raw["data"]; ok {
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return err
		}
		delete(raw, "data")
	}
	r.Other = raw
	return nil
}

// PushDataPayload is the JSON body of a PUSH_DATA frame: an optional rxpk
// array plus any number of unspecified keys (typically "stat"), all of
// which round-trip untouched.
type PushDataPayload struct {
	RxPk  []RxPk `json:"-"`
	hasRxPk bool
	Other map[string]json.RawMessage `json:"-"`
}

// IsEmpty reports whether the payload carries no rxpk elements and no
// other keys. When filtering has pruned rxpk elements and the result is
// empty, the multiplexer drops the datagram entirely rather than
// forwarding an empty PUSH_DATA; a payload from which nothing was pruned
// is forwarded verbatim even if it is empty.
func (p *PushDataPayload) IsEmpty() bool {
	return len(p.RxPk) == 0 && len(p.Other) == 0
}

// ParsePushData decodes the JSON body of a PUSH_DATA frame starting right
// after the 12-byte header. Unknown keys at the top level and within each
// rxpk element are preserved for later re-encoding.
func ParsePushData(body []byte) (*PushDataPayload, error) {
	p := &PushDataPayload{}
	if len(body) == 0 {
		return p, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &JsonError{cause: errors.Wrap(err, "decode push-data body")}
	}

	if rxpkRaw, ok := raw["rxpk"]; ok {
		if err := json.Unmarshal(rxpkRaw, &p.RxPk); err != nil {
			return nil, &JsonError{cause: errors.Wrap(err, "decode rxpk array")}
		}
		p.hasRxPk = true
		delete(raw, "rxpk")
	}

	p.Other = raw
	return p, nil
}

// EncodePushData serialises p back to JSON. The serialisation need not be
// byte-identical to what was parsed, but it preserves every key observed
// during ParsePushData. Callers that have not modified the rxpk list
// SHOULD prefer forwarding the original bytes verbatim instead of calling
// this, per the codec's verbatim-passthrough guidance.
func (p *PushDataPayload) EncodePushData() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Other)+1)
	for k, v := range p.Other {
		out[k] = v
	}
	if p.hasRxPk || len(p.RxPk) > 0 {
		out["rxpk"] = p.RxPk
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, &JsonError{cause: errors.Wrap(err, "encode push-data body")}
	}
	return b, nil
}

// EncodePushDataFrame renders a complete PUSH_DATA frame: the 12-byte
// header followed by the JSON payload.
func EncodePushDataFrame(h Header, p *PushDataPayload) ([]byte, error) {
	body, err := p.EncodePushData()
	if err != nil {
		return nil, err
	}
	h.Type = PushData
	h.HasGateway = true
	return append(h.HeaderBytes(), body...), nil
}
