// Package protocol implements the tungo control-plane and stream-plane
// wire messages: one JSON object per WebSocket text message.
package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// MessageType enumerates the stream-plane frame types.
type MessageType string

const (
	TypeInit MessageType = "init"
	TypeData MessageType = "data"
	TypeEnd  MessageType = "end"
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// ServerHelloType enumerates handshake outcomes.
type ServerHelloType string

const (
	HelloSuccess          ServerHelloType = "success"
	HelloSubDomainInUse   ServerHelloType = "sub_domain_in_use"
	HelloInvalidSubDomain ServerHelloType = "invalid_sub_domain"
	HelloAuthFailed       ServerHelloType = "auth_failed"
	HelloError            ServerHelloType = "error"
)

// ClientType distinguishes authenticated from anonymous clients.
type ClientType string

const (
	ClientAuth      ClientType = "auth"
	ClientAnonymous ClientType = "anonymous"
)

// SecretKey wraps a shared secret as sent on the wire.
type SecretKey struct {
	Key string `json:"key"`
}

// ReconnectToken wraps an opaque reconnect credential as sent on the wire.
type ReconnectToken struct {
	Token string `json:"token"`
}

// ClientHello is the first message the client sends after dialing.
type ClientHello struct {
	ID             string          `json:"id"`
	ClientType     ClientType      `json:"client_type"`
	SubDomain      string          `json:"sub_domain,omitempty"`
	SecretKey      *SecretKey      `json:"secret_key,omitempty"`
	ReconnectToken *ReconnectToken `json:"reconnect_token,omitempty"`
}

// ServerHello is the server's response to a ClientHello.
type ServerHello struct {
	Type           ServerHelloType `json:"type"`
	SubDomain      string          `json:"sub_domain,omitempty"`
	Hostname       string          `json:"hostname,omitempty"`
	PublicURL      string          `json:"public_url,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	ReconnectToken *ReconnectToken `json:"reconnect_token,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Message is the shared envelope for stream-plane frames (init, data, end,
// ping, pong).
type Message struct {
	Type     MessageType  `json:"type"`
	StreamID string       `json:"stream_id,omitempty"`
	Data     *MessageData `json:"data,omitempty"`
}

// MessageData carries the base64-encoded payload of a data frame.
type MessageData struct {
	Data string `json:"data,omitempty"`
}

// NewClientHello builds a ClientHello for the given subdomain request and
// optional shared secret. The id is a fresh random UUID in canonical form.
func NewClientHello(subdomain, secretKey, reconnectToken string) *ClientHello {
	clientType := ClientAnonymous
	if secretKey != "" {
		clientType = ClientAuth
	}

	hello := &ClientHello{
		ID:         uuid.NewString(),
		ClientType: clientType,
		SubDomain:  subdomain,
	}

	if secretKey != "" {
		hello.SecretKey = &SecretKey{Key: secretKey}
	}
	if reconnectToken != "" {
		hello.ReconnectToken = &ReconnectToken{Token: reconnectToken}
	}

	return hello
}

// NewMessage builds a stream-plane frame of the given type carrying no
// payload (end, ping, pong).
func NewMessage(msgType MessageType, streamID string) *Message {
	return &Message{Type: msgType, StreamID: streamID}
}

// NewDataMessage builds a data frame carrying base64-encoded payload bytes.
func NewDataMessage(streamID, base64Payload string) *Message {
	return &Message{
		Type:     TypeData,
		StreamID: streamID,
		Data:     &MessageData{Data: base64Payload},
	}
}

// DeriveReconnectToken derives a reconnect credential from the client id and
// shared secret so that a rendezvous implementation can recognise a
// returning client independent of its subdomain. Mirrors the HMAC
// construction the teacher used for relay auth tokens, repurposed
// client-side.
func DeriveReconnectToken(clientID, secretKey string) string {
	if secretKey == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(secretKey))
	h.Write([]byte(clientID))
	return hex.EncodeToString(h.Sum(nil))
}
