package commander

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// Sink delivers text to the chat platform.
type Sink interface {
	// SendMessage posts text and returns the new message id.
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	// EditMessage replaces the text of an earlier message. Best effort.
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
}

// Source is the polling instruction source used when no webhook is exposed.
type Source interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// Update represents an incoming update envelope.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message. Text is nil for non-text payloads.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// User is the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// DeliveryError reports a failed call to the chat platform.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s failed: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Fit limits text to maxChars runes, marking the cut with an ellipsis.
// A non-positive maxChars leaves text unchanged.
func Fit(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars-1]) + "…"
}
