// Package syncq keeps predictions made while the API was unreachable so the
// CLI can replay them later.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type Prediction struct {
	GameID         int64     `json:"game_id"`
	Pick           string    `json:"pick"`
	IdempotencyKey string    `json:"idempotency_key"`
	QueuedAt       time.Time `json:"queued_at"`
}

func queuePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".muny")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.json"), nil
}

func Load() ([]Prediction, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Prediction{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Prediction{}, nil
	}
	var out []Prediction
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(items []Prediction) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	raw, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Push queues p. A game only takes one pick, so a newer pick for the same
// game replaces the queued one.
func Push(p Prediction) error {
	items, err := Load()
	if err != nil {
		return err
	}
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}
	for i := range items {
		if items[i].GameID == p.GameID {
			items[i] = p
			return Save(items)
		}
	}
	return Save(append(items, p))
}

// Remove drops the items whose idempotency keys are listed.
func Remove(keys ...string) error {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	items, err := Load()
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if !drop[it.IdempotencyKey] {
			kept = append(kept, it)
		}
	}
	return Save(kept)
}
