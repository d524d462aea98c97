// Package protocol defines the Zocket wire format: UTF-8 JSON frames
// exchanged over a duplex byte stream.
//
// Inbound frames carry a dotted route, an optional payload, and an
// optional RPC correlation token:
//
//	{"type": "chat.send", "payload": {...}, "rpcId": "r1"}
//
// Outbound frames are either events ({type, payload}) or RPC replies,
// which use the reserved type "__rpc_res".
package protocol

import (
	"encoding/json"
	"errors"
)

// RPCResultType is the reserved frame type for RPC replies. It can never
// collide with a user route: the router rejects it as a segment.
const RPCResultType = "__rpc_res"

// Frame decode errors.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrMissingType    = errors.New("protocol: frame has no type")
)

// Inbound is a decoded client frame. Payload is kept raw so the dispatch
// engine can defer decoding until the route's schema is known.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RPCID   string          `json:"rpcId,omitempty"`
}

// HasPayload reports whether the frame carried a non-null payload. An
// absent payload field and an explicit null both count as no payload.
func (f *Inbound) HasPayload() bool {
	return len(f.Payload) > 0 && string(f.Payload) != "null"
}

// DecodePayload unmarshals the raw payload into a generic value.
// Returns nil for an absent payload.
func (f *Inbound) DecodePayload() (any, error) {
	if !f.HasPayload() {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInbound parses a raw frame. A frame without a string type is
// rejected with ErrMissingType.
func DecodeInbound(data []byte) (*Inbound, error) {
	// Probe the type field separately so a frame with a missing or
	// non-string type yields ErrMissingType rather than a generic
	// unmarshal error.
	var probe struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrMalformedFrame
	}

	var typ string
	if probe.Type == nil || json.Unmarshal(probe.Type, &typ) != nil || typ == "" {
		return nil, ErrMissingType
	}

	var f Inbound
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ErrMalformedFrame
	}
	return &f, nil
}

// Outbound is a server-to-client frame.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	RPCID   string `json:"rpcId,omitempty"`
}

// EncodeEvent encodes an event or push frame for the given route.
func EncodeEvent(route string, payload any) ([]byte, error) {
	return json.Marshal(&Outbound{Type: route, Payload: payload})
}

// EncodeRPCResult encodes an RPC reply correlated by rpcID.
func EncodeRPCResult(rpcID string, payload any) ([]byte, error) {
	return json.Marshal(&Outbound{Type: RPCResultType, Payload: payload, RPCID: rpcID})
}
