// Package invalidation models table-change events that make a cached
// extent stale.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Event struct {
	Version int    `json:"version"`
	Op      string `json:"op"`
	Account string `json:"account"`
	Table   string `json:"table"`
	// Seq orders events per table; zero disables deduplication.
	Seq    uint64    `json:"seq,omitempty"`
	TS     time.Time `json:"ts"`
	Source string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "truncate":
	default:
		return fmt.Errorf("op must be insert|update|delete|truncate, got %q", e.Op)
	}
	if strings.TrimSpace(e.Account) == "" {
		return errors.New("account is required")
	}
	if strings.TrimSpace(e.Table) == "" {
		return errors.New("table is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}

// Key identifies the table an event applies to.
func (e Event) Key() string {
	return strings.ToLower(strings.TrimSpace(e.Account)) + "/" + strings.TrimSpace(e.Table)
}
