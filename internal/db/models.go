package db

import (
	"database/sql"
	"slices"
	"time"
)

// Webhook is a subscriber endpoint. Events are stored as a JSON array.
type Webhook struct {
	ID        int64
	Name      string
	URL       string
	Secret    string
	Events    []string
	Enabled   bool
	CreatedAt time.Time
}

func (w *Webhook) Subscribes(event string) bool {
	return w.Enabled && slices.Contains(w.Events, event)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
