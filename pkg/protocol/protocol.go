// Package protocol defines the CBOR envelope protocol spoken between
// nodes and the relay. Every envelope is a single Message carrying
// either a Control frame or a Data frame, never both.
package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MaxMessageSize is the largest envelope either side will accept.
const MaxMessageSize = 16 * 1024 * 1024

// Control message types.
const (
	MsgTypeReqAuthorizationURL = "req_authorization_url"
	MsgTypeResAuthorizationURL = "res_authorization_url"
	MsgTypeAuthToken           = "auth_token"
	MsgTypeRegister            = "register"
	MsgTypeRegisterError       = "register_error"
	MsgTypeConnectionReady     = "connection_ready"
	MsgTypeAnnounce            = "announce"
	MsgTypeOpenBridge          = "open_bridge"
	MsgTypeCloseBridge         = "close_bridge"
	MsgTypeAck                 = "ack"
)

// Register error codes carried by register_error.
const (
	RegisterErrInvalidToken  = "invalid_token"
	RegisterErrUnauthorized  = "unauthorized"
	RegisterErrMissingToken  = "missing_token"
	RegisterErrNotRegistered = "not_registered"
)

// Service types a node may announce.
const (
	ServiceTypeRTSP  = "rtsp"
	ServiceTypeMJPEG = "mjpeg"
	ServiceTypeTCP   = "tcp"
	ServiceTypeHTTP  = "http"
)

// AuthTypeUsernamePassword is the only auth scheme services carry.
const AuthTypeUsernamePassword = "username_and_password"

// Auth holds credentials a source needs to reach a service.
type Auth struct {
	Type     string `cbor:"type" json:"type"`
	Username string `cbor:"username,omitempty" json:"username,omitempty"`
	Password string `cbor:"password,omitempty" json:"password,omitempty"`
}

// Service describes a TCP endpoint reachable from a node's private network.
type Service struct {
	ID   string `cbor:"id" json:"id"`
	Type string `cbor:"type" json:"type"`
	Addr string `cbor:"addr" json:"addr"`
	Port int    `cbor:"port" json:"port"`
	Path string `cbor:"path,omitempty" json:"path,omitempty"`
	Name string `cbor:"name,omitempty" json:"name,omitempty"`
	Auth *Auth  `cbor:"auth,omitempty" json:"auth,omitempty"`
}

// Control is the control half of an envelope. Fields beyond Type are
// populated per message type and omitted otherwise.
type Control struct {
	Type         string    `cbor:"type"`
	Token        string    `cbor:"token,omitempty"`
	NodeID       string    `cbor:"node_id,omitempty"`
	AckMsgID     string    `cbor:"ack_msg_id,omitempty"`
	AuthURL      string    `cbor:"auth_url,omitempty"`
	DashboardURL string    `cbor:"dashboard_url,omitempty"`
	Code         string    `cbor:"code,omitempty"`
	Message      string    `cbor:"message,omitempty"`
	Services     []Service `cbor:"services,omitempty"`
	BridgeID     string    `cbor:"bridge_id,omitempty"`
	Service      *Service  `cbor:"service,omitempty"`
}

// Data is the data half of an envelope: an ordered chunk of bytes
// belonging to one bridge.
type Data struct {
	BridgeID string `cbor:"bridge_id"`
	Payload  []byte `cbor:"payload"`
}

// Message is the envelope. Exactly one of Control or Data is set.
type Message struct {
	MsgID   string   `cbor:"msg_id"`
	Control *Control `cbor:"control,omitempty"`
	Data    *Data    `cbor:"data,omitempty"`
}

// IsControl reports whether the envelope carries a control frame.
func (m *Message) IsControl() bool { return m.Control != nil }

// IsData reports whether the envelope carries a data frame.
func (m *Message) IsData() bool { return m.Data != nil }

// ControlType returns the control type, or "" for data envelopes.
func (m *Message) ControlType() string {
	if m.Control == nil {
		return ""
	}
	return m.Control.Type
}

// Encode serializes the envelope to CBOR.
func (m *Message) Encode() ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// Decode parses a CBOR envelope.
func Decode(b []byte) (*Message, error) {
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d bytes", len(b))
	}
	var m Message
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// NewMsgID returns a fresh envelope id.
func NewMsgID() string { return uuid.New().String() }

// registerErrorMessages are the human-readable halves of register_error.
var registerErrorMessages = map[string]string{
	RegisterErrInvalidToken:  "token does not match any node",
	RegisterErrUnauthorized:  "node has not been authorized by a user",
	RegisterErrMissingToken:  "register requires a token",
	RegisterErrNotRegistered: "connection is not registered",
}

// Constructors. Each returns a ready-to-send envelope with a fresh msg_id.

func NewReqAuthorizationURL(nodeID string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeReqAuthorizationURL, NodeID: nodeID}}
}

func NewResAuthorizationURL(authURL string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeResAuthorizationURL, AuthURL: authURL}}
}

func NewAuthToken(token string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeAuthToken, Token: token}}
}

func NewRegister(nodeID, token string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeRegister, NodeID: nodeID, Token: token}}
}

func NewRegisterError(code string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{
		Type: MsgTypeRegisterError, Code: code, Message: registerErrorMessages[code],
	}}
}

func NewConnectionReady(nodeID, dashboardURL string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeConnectionReady, NodeID: nodeID, DashboardURL: dashboardURL}}
}

func NewAnnounce(services []Service) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeAnnounce, Services: services}}
}

func NewOpenBridge(bridgeID string, svc Service) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeOpenBridge, BridgeID: bridgeID, Service: &svc}}
}

func NewCloseBridge(bridgeID string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeCloseBridge, BridgeID: bridgeID}}
}

// NewAck acknowledges the envelope with the given id. The ack gets its
// own msg_id so ids stay unique within the sender's lifetime.
func NewAck(ackMsgID string) *Message {
	return &Message{MsgID: NewMsgID(), Control: &Control{Type: MsgTypeAck, AckMsgID: ackMsgID}}
}

// NewData wraps a payload chunk for a bridge.
func NewData(bridgeID string, payload []byte) *Message {
	return &Message{MsgID: NewMsgID(), Data: &Data{BridgeID: bridgeID, Payload: payload}}
}
