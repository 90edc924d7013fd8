package remote

import "encoding/json"

// Message types exchanged with the control plane.
const (
	MsgTypeAuth       = "auth"
	MsgTypeAuthOK     = "auth_ok"
	MsgTypeAuthError  = "auth_error"
	MsgTypeRegister   = "register"
	MsgTypeRegistered = "registered"
	MsgTypeRun        = "run"
	MsgTypeResult     = "result"
	MsgTypeError      = "error"
)

// Message is the envelope of every frame.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type AuthPayload struct {
	APIKey string `json:"api_key"`
}

type AuthErrorPayload struct {
	Error string `json:"error"`
}

type RegisterPayload struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type RegisteredPayload struct {
	AppID string `json:"app_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
