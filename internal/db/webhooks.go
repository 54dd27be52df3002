package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrWebhookNotFound = errors.New("webhook not found")

func scanWebhook(row rowScanner) (*Webhook, error) {
	var (
		w      Webhook
		events string
	)
	if err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &events, &w.Enabled, &w.CreatedAt); err != nil {
		return nil, err
	}
	if events != "" {
		if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
			return nil, fmt.Errorf("webhook %d has malformed events: %w", w.ID, err)
		}
	}
	return &w, nil
}

func encodeEvents(events []string) (string, error) {
	if events == nil {
		events = []string{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook events: %w", err)
	}
	return string(data), nil
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	events, err := encodeEvents(w.Events)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, InsertWebhook, w.Name, w.URL, w.Secret, events, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	if w.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read webhook id: %w", err)
	}
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, id int64) (*Webhook, error) {
	w, err := scanWebhook(s.db.QueryRowContext(ctx, GetWebhookByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook %d: %w", id, err)
	}
	return w, nil
}

func (s *Store) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	return s.queryWebhooks(ctx, ListWebhooks)
}

// WebhooksForEvent returns the enabled webhooks subscribed to event. The LIKE
// prefilter is coarse; Subscribes makes the final decision.
func (s *Store) WebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	candidates, err := s.queryWebhooks(ctx, ListWebhooksForEvent, "%\""+event+"\"%")
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, w := range candidates {
		if w.Subscribes(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w *Webhook) error {
	events, err := encodeEvents(w.Events)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, UpdateWebhook, w.Name, w.URL, w.Secret, events, w.Enabled, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook %d: %w", w.ID, err)
	}
	return expectOneRow(res, ErrWebhookNotFound)
}

func (s *Store) DeleteWebhook(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook %d: %w", id, err)
	}
	return expectOneRow(res, ErrWebhookNotFound)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
