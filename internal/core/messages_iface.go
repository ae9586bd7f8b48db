package core

import (
	"context"
	"errors"
)

var ErrNoRecipient = errors.New("message recipient missing")

// Notification is a toast shown to one meeting participant. An empty Text
// dismisses the toast with the same ID.
type Notification struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	DurationMs int    `json:"durationMs,omitempty"`
}

// Messenger delivers meeting messages to a single participant. Every
// method fails with ErrNoRecipient when recipientID is empty, so a message
// is never fanned out to the whole meeting by accident.
type Messenger interface {
	SendEvent(ctx context.Context, recipientID string, event EventType) error
	SendNotif(ctx context.Context, recipientID string, n Notification) error
	DismissNotif(ctx context.Context, recipientID, notifID string) error
}
