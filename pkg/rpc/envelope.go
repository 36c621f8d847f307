// Package rpc is the correlated request/response protocol between a console
// (Bridge) and agents (Responder) exchanging envelopes over Windows.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only wire version accepted.
const Version = 1

type Kind string

const (
	KindCall   Kind = "rpc_call"
	KindResult Kind = "rpc_result"
	KindHello  Kind = "hello_from_B"
)

// Method names one remote operation.
type Method string

const (
	MethodPing          Method = "ping"
	MethodGetDom        Method = "getDom"
	MethodManipulateDOM Method = "manipulateDOM"
	MethodRunJS         Method = "runJS"
	MethodExecuteJS     Method = "executeJS"
	MethodGetSystemInfo Method = "getSystemInfo"
)

// Methods lists every operation an agent can serve.
var Methods = []Method{
	MethodPing,
	MethodGetDom,
	MethodManipulateDOM,
	MethodRunJS,
	MethodExecuteJS,
	MethodGetSystemInfo,
}

func (m Method) Valid() bool {
	switch m {
	case MethodPing, MethodGetDom, MethodManipulateDOM, MethodRunJS, MethodExecuteJS, MethodGetSystemInfo:
		return true
	default:
		return false
	}
}

// Unsafe reports methods that evaluate caller-supplied code.
func (m Method) Unsafe() bool {
	return m == MethodRunJS || m == MethodExecuteJS
}

// Envelope is the single wire shape for calls, results and hellos.
type Envelope struct {
	V    int  `json:"v"`
	Kind Kind `json:"kind"`

	ID     uint64          `json:"id,omitempty"`
	Method Method          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`

	Session      string          `json:"session,omitempty"`
	Href         string          `json:"href,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	JQuery       bool            `json:"jquery,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// Hello describes the announcing agent.
type Hello struct {
	Session      string
	Href         string
	Origin       string
	JQuery       bool
	Capabilities map[string]bool
}

func NewCall(id uint64, method Method, params json.RawMessage) Envelope {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return Envelope{V: Version, Kind: KindCall, ID: id, Method: method, Params: params}
}

func NewResult(id uint64, payload json.RawMessage) Envelope {
	ok := true
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{V: Version, Kind: KindResult, ID: id, OK: &ok, Payload: payload}
}

func NewFailure(id uint64, message string) Envelope {
	ok := false
	return Envelope{V: Version, Kind: KindResult, ID: id, OK: &ok, Error: message}
}

func NewHello(h Hello) Envelope {
	return Envelope{
		V:            Version,
		Kind:         KindHello,
		Session:      h.Session,
		Href:         h.Href,
		Origin:       h.Origin,
		JQuery:       h.JQuery,
		Capabilities: h.Capabilities,
	}
}

// Succeeded reports the ok flag of a result envelope.
func (e Envelope) Succeeded() bool {
	return e.OK != nil && *e.OK
}

// Decode parses one envelope and rejects anything outside the v1 shape.
// Errors wrap ErrProtocol.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.V != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrProtocol, env.V)
	}

	switch env.Kind {
	case KindCall:
		if env.ID == 0 || env.Method == "" {
			return Envelope{}, fmt.Errorf("%w: call without id or method", ErrProtocol)
		}
	case KindResult:
		if env.ID == 0 || env.OK == nil {
			return Envelope{}, fmt.Errorf("%w: result without id or ok", ErrProtocol)
		}
	case KindHello:
		if env.Session == "" {
			return Envelope{}, fmt.Errorf("%w: hello without session", ErrProtocol)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrProtocol, env.Kind)
	}
	return env, nil
}
