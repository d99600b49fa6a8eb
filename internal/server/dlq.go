package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"jobescrow/internal/escrow"
	"jobescrow/internal/metrics"
)

const (
	dlqKindPending      = "pending_escrow"
	dlqKindRedeemFailed = "redeem_failed"
)

// dlqEntry is one file in the dead-letter directory. Pending entries carry
// the escrow fulfillment, so files are written 0600 and never served.
type dlqEntry struct {
	Timestamp time.Time             `json:"timestamp"`
	Kind      string                `json:"kind"`
	JobID     string                `json:"jobId"`
	Error     string                `json:"error,omitempty"`
	Pending   *escrow.PendingEscrow `json:"pending,omitempty"`
}

// DLQ stores operations that need operator attention as JSON files. An
// empty path disables it.
type DLQ struct {
	path    string
	metrics *metrics.Registry
	logger  *slog.Logger
	mu      sync.Mutex
}

func NewDLQ(path string, m *metrics.Registry, logger *slog.Logger) *DLQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQ{path: path, metrics: m, logger: logger}
}

// RecordPending keeps an escrow whose creation outcome is unknown until it
// is reconciled.
func (d *DLQ) RecordPending(_ context.Context, p escrow.PendingEscrow) error {
	return d.write(dlqEntry{
		Timestamp: time.Now().UTC(),
		Kind:      dlqKindPending,
		JobID:     p.JobID,
		Error:     p.Reason,
		Pending:   &p,
	})
}

// RedeemFailed records a redemption that exhausted its retries.
func (d *DLQ) RedeemFailed(jobID string, cause error) {
	err := d.write(dlqEntry{
		Timestamp: time.Now().UTC(),
		Kind:      dlqKindRedeemFailed,
		JobID:     jobID,
		Error:     cause.Error(),
	})
	if err != nil {
		d.logger.Error("dlq: write redeem failure", "job_id", jobID, "error", err)
	}
}

func (d *DLQ) write(entry dlqEntry) error {
	if d.path == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	if err := os.MkdirAll(d.path, 0o700); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}

	filename := fmt.Sprintf("%d-%s-%s.json", entry.Timestamp.UnixNano(), entry.Kind, sanitize(entry.JobID))
	if err := os.WriteFile(filepath.Join(d.path, filename), data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}
	d.updateDepthLocked()
	return nil
}

// PendingFor returns the newest pending escrow recorded for jobID and the
// files holding pending entries for it.
func (d *DLQ) PendingFor(jobID string) (*escrow.PendingEscrow, []string, error) {
	if d.path == "" {
		return nil, nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	names, err := d.list()
	if err != nil {
		return nil, nil, err
	}
	suffix := "-" + dlqKindPending + "-" + sanitize(jobID) + ".json"
	var (
		latest *escrow.PendingEscrow
		files  []string
	)
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		path := filepath.Join(d.path, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		var entry dlqEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, nil, fmt.Errorf("dlq decode %s: %w", name, err)
		}
		if entry.Pending == nil || entry.JobID != jobID {
			continue
		}
		latest = entry.Pending
		files = append(files, path)
	}
	return latest, files, nil
}

// Remove deletes resolved entries.
func (d *DLQ) Remove(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("dlq: remove entry", "path", p, "error", err)
		}
	}
	d.updateDepthLocked()
}

// Depth reports the number of entries and refreshes the gauge.
func (d *DLQ) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateDepthLocked()
}

func (d *DLQ) updateDepthLocked() int {
	names, err := d.list()
	if err != nil {
		d.logger.Warn("dlq: read directory", "error", err)
		return 0
	}
	d.metrics.SetDLQDepth(len(names))
	return len(names)
}

// list returns entry file names in write order.
func (d *DLQ) list() ([]string, error) {
	if d.path == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
