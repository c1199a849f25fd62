// Package message defines the chat message record and the WebSocket wire frames.
// Inbound frames carry only message text; participant identities are never taken
// from the payload, so a client cannot spoof a sender or receiver.
package message

import (
	"encoding/json"
	"time"
)

// Message is the immutable chat record. It is created exactly once by a relay
// session on receipt of a valid inbound frame and never mutated or deleted.
type Message struct {
	Sender    string    `bson:"sender" json:"sender"`
	Receiver  string    `bson:"receiver" json:"receiver"`
	Content   string    `bson:"content" json:"content"`
	Timestamp time.Time `bson:"ts" json:"timestamp"`
}

// InboundFrame is the single frame type clients send: {"message": "<text>"}.
// The pointer distinguishes a missing field from an empty string.
type InboundFrame struct {
	Message *string `json:"message"`
}

// OutboundFrame is the frame relayed to every room member, including the sender.
type OutboundFrame struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
}

// EncodeOutbound marshals the outbound frame for a relayed message.
func EncodeOutbound(m *Message) ([]byte, error) {
	return json.Marshal(&OutboundFrame{
		Sender:   m.Sender,
		Receiver: m.Receiver,
		Message:  m.Content,
	})
}
