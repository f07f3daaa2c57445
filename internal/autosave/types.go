// Package autosave decides when a document's edits are due to be persisted,
// coalesces bursts of edits behind a trailing debounce, and retries failed
// saves with exponential backoff.
package autosave

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
)

var (
	ErrUnknownDocument    = errors.New("document not initialized")
	ErrAlreadyInitialized = errors.New("document already initialized")
)

// State is the externally visible autosave state of one document.
type State struct {
	Status    Status     `json:"status"`
	LastSaved *time.Time `json:"lastSaved,omitempty"`
	Error     string     `json:"error,omitempty"`
	IsDirty   bool       `json:"isDirty"`
}

// Snapshot is a complete title/content pair.
type Snapshot struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Update is a partial edit; nil fields are unchanged.
type Update struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

// merge overlays the non-nil fields of next onto u.
func (u Update) merge(next Update) Update {
	if next.Title != nil {
		title := *next.Title
		u.Title = &title
	}
	if next.Content != nil {
		content := *next.Content
		u.Content = &content
	}
	return u
}

func (s Snapshot) apply(u Update) Snapshot {
	if u.Title != nil {
		s.Title = *u.Title
	}
	if u.Content != nil {
		s.Content = *u.Content
	}
	return s
}

// Gateway durably stores a partial document update.
type Gateway interface {
	Save(ctx context.Context, documentID string, update Update) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, documentID string, update Update) error

func (f GatewayFunc) Save(ctx context.Context, documentID string, update Update) error {
	return f(ctx, documentID, update)
}

// isDirty reports whether pending differs enough from saved to warrant a
// save. A content change only counts when its length moves by at least
// minDelta runes or the title changed with it.
func isDirty(saved Snapshot, pending Update, minDelta int) bool {
	titleDirty := pending.Title != nil && *pending.Title != saved.Title
	if titleDirty {
		return true
	}
	if pending.Content == nil || *pending.Content == saved.Content {
		return false
	}
	delta := utf8.RuneCountInString(*pending.Content) - utf8.RuneCountInString(saved.Content)
	if delta < 0 {
		delta = -delta
	}
	return delta >= minDelta
}
