package gateway

import (
	"encoding/json"
	"time"
)

// Inbound frame types accepted on agent sessions.
const (
	FrameHeartbeat   = "heartbeat"
	FramePublish     = "publish"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Inbound frame types accepted on dashboard sessions.
const (
	FrameSubscribeChannel        = "subscribe_channel"
	FrameUnsubscribeChannel      = "unsubscribe_channel"
	FrameSubscribeTopicPreview   = "subscribe_topic_preview"
	FrameUnsubscribeTopicPreview = "unsubscribe_topic_preview"
)

// Outbound frame types.
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Error categories surfaced to clients. Internal detail stays in the logs.
const (
	ErrCatInvalidFrame   = "invalid_frame"
	ErrCatForbidden      = "forbidden_subject"
	ErrCatQuotaExceeded  = "quota_exceeded"
	ErrCatBusUnavailable = "bus_unavailable"
	ErrCatRateLimited    = "rate_limited"
	ErrCatUnknownType    = "unknown_type"
	ErrCatNotFound       = "not_found"
)

// Frame is the inbound envelope. Every frame has a type; id, when present,
// is echoed on the ack or error.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
}

// messageFrame is the outbound fan-out envelope. Payload is the producer's
// original object; timestamp is server-assigned.
type messageFrame struct {
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

type ackFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func encodeMessage(subject string, payload []byte) []byte {
	// Foreign producers may put non-JSON bytes on the bus; requote those so
	// the frame stays a valid JSON object.
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	data, _ := json.Marshal(messageFrame{
		Type:      FrameMessage,
		Subject:   subject,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

func encodeAck(id string) []byte {
	data, _ := json.Marshal(ackFrame{Type: FrameAck, ID: id})
	return data
}

func encodeError(id, category string) []byte {
	data, _ := json.Marshal(errorFrame{Type: FrameError, ID: id, Message: category})
	return data
}
