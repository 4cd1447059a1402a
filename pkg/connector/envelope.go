// Package connector implements the handshake between an embedding context
// (iframe or popup) and the wallet context: a small state machine over the
// shared store plus a JSON-RPC-style message transport between windows.
package connector

import "encoding/json"

// Version is the protocol version stamped on every envelope.
const Version = "2.0"

// Well-known envelope methods.
const (
	MethodConnected    = "wallet_connected"
	MethodDisconnected = "wallet_disconnected"
)

// Envelope is the cross-window message format. Params is optional.
type Envelope struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// NewEnvelope builds an envelope, serializing params. A nil params produces
// an envelope without a params field.
func NewEnvelope(method string, params any) (Envelope, error) {
	env := Envelope{Method: method, JSONRPC: Version}
	if params == nil {
		return env, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, err
	}
	env.Params = raw
	return env, nil
}

// ConnectedParams is the payload of a wallet_connected notification.
type ConnectedParams struct {
	PublicKey string `json:"publicKey"`
}