// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists guardian state that must survive restarts.
//
// BadgerDB is used for local embedded storage with low-latency access.
// Two things live here:
//
//   - Kill history, so a restart cannot be used to dodge the cooldown
//     windows.
//   - The active lockdown expiry, so a restart cannot be used to dodge
//     a lockdown.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

const (
	killKeyPrefix = "kill/"
	lockdownKey   = "lockdown/until"
)

// Config holds configuration for the guardian's persistence layer.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string `yaml:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	// Kill records are rare and must survive a crash, so this
	// defaults to true in production.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for testing.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the guardian's durable state.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open creates and opens the store.
//
// # Description
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist.
//
// # Inputs
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//	logger - Logger; BadgerDB internals log at debug level through it.
//
// # Outputs
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With(slog.String("subsystem", "store"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open guardian store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendKill durably records one kill event, keyed by its timestamp.
func (s *Store) AppendKill(ev datatypes.KillEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal kill event: %w", err)
	}
	key := []byte(killKeyPrefix + ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// KillHistory returns the timestamps of kills at or after since,
// oldest first. Used to reseed the cooldown limiter on startup.
func (s *Store) KillHistory(since time.Time) ([]time.Time, error) {
	var out []time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(killKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := string(it.Item().Key()[len(prefix):])
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				s.logger.Warn("skipping malformed kill key", slog.String("key", raw))
				continue
			}
			if ts.Before(since) {
				continue
			}
			out = append(out, ts)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan kill history: %w", err)
	}
	return out, nil
}

// PruneKills deletes kill records older than before. Called
// opportunistically; stale records are harmless, just dead weight.
func (s *Store) PruneKills(before time.Time) error {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(killKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := string(it.Item().Key()[len(prefix):])
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil || ts.Before(before) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan stale kills: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetLockdown durably records the lockdown expiry.
func (s *Store) SetLockdown(until time.Time) error {
	value := []byte(until.UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(lockdownKey), value)
	})
}

// ClearLockdown removes any recorded lockdown.
func (s *Store) ClearLockdown() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(lockdownKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Lockdown returns the recorded lockdown expiry. active is false when
// no lockdown is stored.
func (s *Store) Lockdown() (until time.Time, active bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lockdownKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, perr := time.Parse(time.RFC3339Nano, string(val))
			if perr != nil {
				return fmt.Errorf("malformed lockdown value %q: %w", val, perr)
			}
			until = parsed
			active = true
			return nil
		})
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read lockdown: %w", err)
	}
	return until, active, nil
}
