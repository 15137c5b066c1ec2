package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message kinds.
const (
	KindStatus  = "status"
	KindEvent   = "event"
	KindDelete  = "delete"
	KindFriends = "friends"
	KindControl = "control"
	KindOther   = "other"
)

// ErrEmptyFrame is returned when a frame holds no JSON document.
var ErrEmptyFrame = errors.New("empty frame")

// Envelope is the wire form of a site stream frame.
type Envelope struct {
	ForUser json.RawMessage `json:"for_user"`
	Message json.RawMessage `json:"message"`
	Control json.RawMessage `json:"control"`
}

// Message is one decoded frame.
type Message struct {
	ForUser    string          // Subscription the frame was delivered for ("" for control frames)
	Kind       string          // One of the Kind* constants
	Text       string          // Status text (KindStatus only)
	StatusID   int64           // Status ID, or the deleted status ID for KindDelete
	Event      string          // Event name (KindEvent only)
	Raw        json.RawMessage // Inner message (or control) JSON
	ReceivedAt int64           // µs since epoch
}

// ForUserID returns ForUser as an int64, or 0 if it is not numeric.
func (m Message) ForUserID() int64 {
	id, err := strconv.ParseInt(m.ForUser, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// inner holds the fields of the inner message that classify it.
type inner struct {
	Text    *string         `json:"text"`
	ID      int64           `json:"id"`
	Event   string          `json:"event"`
	Friends json.RawMessage `json:"friends"`
	Delete  *struct {
		Status struct {
			ID int64 `json:"id"`
		} `json:"status"`
	} `json:"delete"`
}

// Decode parses one frame. The trailing delimiter and surrounding whitespace
// are ignored.
func Decode(frame string) (Message, error) {
	data := bytes.TrimSpace([]byte(frame))
	if len(data) == 0 {
		return Message{}, ErrEmptyFrame
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	msg := Message{
		ForUser:    forUser(env.ForUser),
		ReceivedAt: time.Now().UnixMicro(),
	}

	if len(env.Message) == 0 {
		if len(env.Control) > 0 {
			msg.Kind = KindControl
			msg.Raw = env.Control
			return msg, nil
		}
		msg.Kind = KindOther
		msg.Raw = json.RawMessage(data)
		return msg, nil
	}

	msg.Raw = env.Message

	var in inner
	if err := json.Unmarshal(env.Message, &in); err != nil {
		// Non-object messages (e.g. a bare friends array) are kept as-is.
		msg.Kind = KindOther
		return msg, nil
	}

	switch {
	case in.Text != nil:
		msg.Kind = KindStatus
		msg.Text = *in.Text
		msg.StatusID = in.ID
	case in.Event != "":
		msg.Kind = KindEvent
		msg.Event = in.Event
	case in.Delete != nil:
		msg.Kind = KindDelete
		msg.StatusID = in.Delete.Status.ID
	case len(in.Friends) > 0:
		msg.Kind = KindFriends
	default:
		msg.Kind = KindOther
	}
	return msg, nil
}

// forUser renders for_user whether it was sent as a number or a string.
func forUser(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
