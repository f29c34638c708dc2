package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrNotObject = errors.New("chat: inbound frame is not a JSON object")

var (
	threadFields  = []string{"threadId", "thread_id", "conversationId", "conversation_id", "chatId"}
	contentFields = []string{"content", "message", "text", "body"}
	idFields      = []string{"id", "messageId", "message_id"}
)

// Inbound is one message pushed by the notification hub.
type Inbound struct {
	ID         string    `json:"id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content,omitempty"`
	CreatedAt  string    `json:"created_at,omitempty"` // ISOLayout, "" when absent
	ReceivedAt time.Time `json:"received_at"`
	Raw        Record    `json:"-"`
}

// DecodeInbound parses a hub frame. The frame is either an envelope
// {"payload": {...}} (optionally with a "type"), an envelope whose payload
// is itself a JSON-encoded string, or a bare message object.
func DecodeInbound(raw []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Inbound{}, err
	}
	rec, ok := asRecord(v)
	if !ok {
		return Inbound{}, ErrNotObject
	}
	return FromRecord(Unwrap(rec)), nil
}

// Unwrap strips an optional {"payload": ...} envelope.
func Unwrap(rec Record) Record {
	p, ok := rec["payload"]
	if !ok || p == nil {
		return rec
	}
	if inner, ok := asRecord(p); ok {
		return inner
	}
	if s, ok := p.(string); ok {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			if inner, ok := asRecord(v); ok {
				return inner
			}
		}
	}
	return rec
}

// FromRecord normalizes a message record.
func FromRecord(rec Record) Inbound {
	in := Inbound{
		ID:         rec.firstString(idFields),
		ThreadID:   rec.firstString(threadFields),
		SenderID:   SenderID(rec),
		ReceivedAt: time.Now().UTC(),
		Raw:        rec,
	}
	if v, ok := rec.first(contentFields); ok {
		if s, ok := v.(string); ok {
			in.Content = s
		}
	}
	if ts, ok := NormalizeTimestampString(rec); ok {
		in.CreatedAt = ts
	}
	return in
}
