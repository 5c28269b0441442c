// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists the engine's diagnostic trail: terminal work
// items, flagged leaks, and pressure transitions. Entries carry a TTL so
// the journal is self-pruning; it records what happened, never content.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/lumen/services/engine/memory"
	"github.com/AleutianAI/lumen/services/engine/task"
)

// Kind partitions journal entries by what they record.
type Kind string

const (
	KindTask     Kind = "task"
	KindLeak     Kind = "leak"
	KindPressure Kind = "pressure"
)

// Config controls journal storage.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the journal entirely in memory. Used in tests.
	InMemory bool

	// TTL bounds entry lifetime. Zero means 72 hours.
	TTL time.Duration

	// GCInterval is how often the value-log garbage collector runs for
	// file-backed journals. Zero means 10 minutes.
	GCInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 72 * time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}
}

// Entry is one decoded journal record.
type Entry struct {
	Kind    Kind            `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// TaskRecord is the persisted form of a terminal work item.
type TaskRecord struct {
	ID          string        `json:"id"`
	Category    string        `json:"category"`
	Priority    string        `json:"priority"`
	Description string        `json:"description"`
	State       string        `json:"state"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// LeakRecord is the persisted form of a flagged leak.
type LeakRecord struct {
	ID        string        `json:"id"`
	Class     string        `json:"class"`
	Age       time.Duration `json:"age"`
	FlaggedAt time.Time     `json:"flagged_at"`
}

// PressureRecord is the persisted form of a pressure transition.
type PressureRecord struct {
	Level       string    `json:"level"`
	UsedPercent float64   `json:"used_percent"`
	ResidentB   uint64    `json:"resident_bytes"`
	At          time.Time `json:"at"`
}

// Journal is the badger-backed diagnostics store.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Open creates or opens a journal at cfg.Path, or in memory.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "journal"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("journal: path required for file-backed journal")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: opening store: %w", err)
	}

	j := &Journal{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}

	if !cfg.InMemory {
		j.wg.Add(1)
		go j.gcLoop()
	}

	return j, nil
}

// RecordTasks appends terminal work items. Items not yet terminal are
// skipped.
func (j *Journal) RecordTasks(items []task.WorkItem) {
	for _, wi := range items {
		if !wi.State.IsTerminal() {
			continue
		}
		rec := TaskRecord{
			ID:          wi.ID.String(),
			Category:    wi.Category.String(),
			Priority:    wi.Priority.String(),
			Description: wi.Description,
			State:       wi.State.String(),
			Duration:    wi.Duration(),
			CompletedAt: wi.CompletedAt,
		}
		if wi.Err != nil {
			rec.Error = wi.Err.Error()
		}
		j.append(KindTask, wi.CompletedAt, rec)
	}
}

// RecordLeak implements memory.Recorder.
func (j *Journal) RecordLeak(l memory.Leak) {
	j.append(KindLeak, l.FlaggedAt, LeakRecord{
		ID:        l.ID,
		Class:     l.Class,
		Age:       l.Age,
		FlaggedAt: l.FlaggedAt,
	})
}

// RecordPressure implements memory.Recorder.
func (j *Journal) RecordPressure(s memory.Sample) {
	j.append(KindPressure, s.Timestamp, PressureRecord{
		Level:       s.Level.String(),
		UsedPercent: s.Percent,
		ResidentB:   s.Resident,
		At:          s.Timestamp,
	})
}

// append writes one TTL'd entry. Failures are logged, never surfaced:
// diagnostics must not disturb the paths they observe.
func (j *Journal) append(kind Kind, at time.Time, payload any) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		j.logger.Warn("journal encode failed", slog.String("error", err.Error()))
		return
	}
	entry := Entry{Kind: kind, Time: at, Payload: raw}
	value, err := json.Marshal(entry)
	if err != nil {
		j.logger.Warn("journal encode failed", slog.String("error", err.Error()))
		return
	}

	key := entryKey(kind, at)
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value).WithTTL(j.cfg.TTL))
	})
	if err != nil {
		j.logger.Warn("journal write failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

// entryKey yields keys that sort chronologically within a kind.
func entryKey(kind Kind, at time.Time) []byte {
	return fmt.Appendf(nil, "%s/%020d/%s", kind, at.UnixNano(), uuid.NewString())
}

// Recent returns up to limit entries of the given kind, newest first.
func (j *Journal) Recent(kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(string(kind) + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the prefix range.
		seek := append([]byte(string(kind)+"/"), 0xff)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: reading %s entries: %w", kind, err)
	}
	return out, nil
}

// gcLoop periodically reclaims value-log space.
func (j *Journal) gcLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.shutdownCh:
			return
		case <-ticker.C:
			// ErrNoRewrite is the steady-state result; anything else
			// is worth a log line.
			if err := j.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				j.logger.Debug("journal gc", slog.String("error", err.Error()))
			}
		}
	}
}

// Close flushes and closes the store. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.shutdownCh)
	j.wg.Wait()
	return j.db.Close()
}

// badgerLogger adapts badger's logger interface onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
