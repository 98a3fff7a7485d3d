package model

import "time"

// Event type values on the client-facing stream and the fan-out topic.
const (
	EventMessage = "MESSAGE"
	EventJoin    = "JOIN"
	EventLeave   = "LEAVE"
	EventError   = "ERROR"
	EventResend  = "RESEND"
	EventMention = "MENTION"
	EventRead    = "READ"
)

// FanoutEvent is the wire payload broadcast to every replica after a durable
// write. Consumers must tolerate duplicates and their own publishes; the
// replay key is (ChannelID, TimestampID).
type FanoutEvent struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId"`
	UserID      string `json:"userId"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"` // unix millis
	TimestampID string `json:"timestampId"`
}

// DedupKey identifies an event for at-least-once dedup.
func (e *FanoutEvent) DedupKey() string {
	return e.ChannelID + "|" + e.TimestampID
}

// ReceiptUpdate is the read-receipt write that travels the asynchronous
// persistence path and, on failure, the dead-letter subject.
type ReceiptUpdate struct {
	UserID            string `json:"userId"`
	ChannelID         string `json:"channelId"`
	LastReadTimestamp string `json:"lastReadTimestamp"`
	Attempts          int    `json:"attempts,omitempty"`
}

// MessageRow is the durable message record: append-only per channel, with a
// unique (channel_id, timestamp_id) index for idempotent replay.
type MessageRow struct {
	ID          int64  `json:"id"`
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
	Content     string `json:"content"`
	TimestampID string `json:"timestampId"`
	CreatedAt   int64  `json:"createdAt"`
}

// Event projects the row back onto the client-facing stream shape.
func (m *MessageRow) Event() *FanoutEvent {
	return &FanoutEvent{
		Type:        EventMessage,
		ChannelID:   m.ChannelID,
		MessageID:   m.TimestampID,
		UserID:      m.UserID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		TimestampID: m.TimestampID,
	}
}

// ChannelMember is one channel + one user; unique key (channel_id, user_id).
type ChannelMember struct {
	ChannelID string    `bson:"channel_id" json:"channelId"`
	UserID    string    `bson:"user_id" json:"userId"`
	JoinTime  time.Time `bson:"join_time" json:"joinTime"`
}
