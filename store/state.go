package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SetState upserts one system state entry.
func (s *Store) SetState(ctx context.Context, key, value string, typ StateType) error {
	return s.withRetry(ctx, "set system state", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO system_state (state_key, state_value, state_type, updated_at)
			 VALUES (?, ?, ?, ?)`,
			key, value, typ, time.Now().UTC())
		return err
	})
}

// GetState fetches one system state entry, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) (*StateRecord, error) {
	var rec StateRecord
	err := s.withRetry(ctx, "get system state", func() error {
		return s.db.GetContext(ctx, &rec,
			`SELECT state_key, state_value, state_type, updated_at
			 FROM system_state WHERE state_key = ?`, key)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// SetStateTime stores a timestamp entry in RFC 3339 form.
func (s *Store) SetStateTime(ctx context.Context, key string, t time.Time) error {
	return s.SetState(ctx, key, t.UTC().Format(time.RFC3339Nano), StateTime)
}

// GetStateTime reads a timestamp entry written by SetStateTime.
func (s *Store) GetStateTime(ctx context.Context, key string) (time.Time, error) {
	rec, err := s.GetState(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if rec.Type != StateTime {
		return time.Time{}, fmt.Errorf("state %q holds %s, not %s", key, rec.Type, StateTime)
	}
	t, err := time.Parse(time.RFC3339Nano, rec.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse state %q: %w", key, err)
	}
	return t.UTC(), nil
}

// SetStateJSON marshals v and stores it as a JSON entry.
func (s *Store) SetStateJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %q: %w", key, err)
	}
	return s.SetState(ctx, key, string(data), StateJSON)
}

// GetStateJSON reads a JSON entry into v.
func (s *Store) GetStateJSON(ctx context.Context, key string, v any) error {
	rec, err := s.GetState(ctx, key)
	if err != nil {
		return err
	}
	if rec.Type != StateJSON {
		return fmt.Errorf("state %q holds %s, not %s", key, rec.Type, StateJSON)
	}
	if err := json.Unmarshal([]byte(rec.Value), v); err != nil {
		return fmt.Errorf("unmarshal state %q: %w", key, err)
	}
	return nil
}

// RecordStartup stamps the installation date on first run and bumps the
// recorded agent version on every run.
func (s *Store) RecordStartup(ctx context.Context, version string) error {
	if _, err := s.GetState(ctx, "installation_date"); errors.Is(err, ErrNotFound) {
		if err := s.SetStateTime(ctx, "installation_date", time.Now().UTC()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return s.SetState(ctx, "system_version", version, StateString)
}
