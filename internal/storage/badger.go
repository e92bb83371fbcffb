// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/metrics"
	"github.com/tomtom215/logsentry/internal/nss"
)

// Key layout. Generation and sequence numbers are fixed-width hex so
// prefix scans return records in write order.
//
//	f:<fileID>                file record
//	e:<fileID>:<gen>:<seq>    event
//	a:<fileID>:<gen>:<seq>    anomaly
//	u:<userKey>               user aggregate
const (
	prefixFile      = "f:"
	prefixEvent     = "e:"
	prefixAnomaly   = "a:"
	prefixAggregate = "u:"
)

// BadgerStore persists files, events, anomalies, and user aggregates in
// an embedded Badger database.
type BadgerStore struct {
	db *badger.DB

	// seq tracks the next write sequence per (file, generation) so
	// batches from successive SaveEvents calls never collide. A
	// generation is only ever written once, so the counter does not need
	// to survive restarts.
	seqMu sync.Mutex
	seq   map[string]uint64
}

// OpenBadger opens (or creates) a Badger store at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's logger is too chatty; we log open/close ourselves

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	logging.Info().Str("dir", dir).Msg("Storage opened")
	return &BadgerStore{db: db, seq: make(map[string]uint64)}, nil
}

func (s *BadgerStore) CreateFile(ctx context.Context, file *LogFile) error {
	err := s.update(ctx, "create_file", func(txn *badger.Txn) error {
		key := []byte(prefixFile + file.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("file %s: already exists", file.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, file)
	})
	return err
}

func (s *BadgerStore) GetFile(ctx context.Context, fileID string) (*LogFile, error) {
	var file LogFile
	err := s.view(ctx, "get_file", func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixFile+fileID), &file)
	})
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", fileID, err)
	}
	return &file, nil
}

func (s *BadgerStore) ListFiles(ctx context.Context) ([]*LogFile, error) {
	var out []*LogFile
	err := s.view(ctx, "list_files", func(txn *badger.Txn) error {
		return scanJSON(txn, []byte(prefixFile), func(val []byte) error {
			var f LogFile
			if err := json.Unmarshal(val, &f); err != nil {
				return err
			}
			out = append(out, &f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) UpdateFileStatus(ctx context.Context, fileID string, status FileStatus, reason FailureReason, counts FileCounts) error {
	return s.update(ctx, "update_file_status", func(txn *badger.Txn) error {
		key := []byte(prefixFile + fileID)
		var f LogFile
		if err := getJSON(txn, key, &f); err != nil {
			return fmt.Errorf("file %s: %w", fileID, err)
		}
		if f.Status.Terminal() && !status.Terminal() {
			return fmt.Errorf("file %s: cannot leave terminal status %s", fileID, f.Status)
		}
		applyStatus(&f, status, reason, counts)
		return setJSON(txn, key, &f)
	})
}

func (s *BadgerStore) SaveEvents(ctx context.Context, fileID string, generation uint64, events []*nss.LogEvent) error {
	return s.update(ctx, "save_events", func(txn *badger.Txn) error {
		for _, ev := range events {
			key := s.recordKey(prefixEvent, fileID, generation)
			if err := setJSON(txn, key, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) SaveAnomalies(ctx context.Context, fileID string, generation uint64, anomalies []detection.Anomaly) error {
	return s.update(ctx, "save_anomalies", func(txn *badger.Txn) error {
		for i := range anomalies {
			key := s.recordKey(prefixAnomaly, fileID, generation)
			if err := setJSON(txn, key, &anomalies[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) CommitGeneration(ctx context.Context, fileID string, generation uint64) error {
	var prev uint64
	err := s.update(ctx, "commit_generation", func(txn *badger.Txn) error {
		key := []byte(prefixFile + fileID)
		var f LogFile
		if err := getJSON(txn, key, &f); err != nil {
			return fmt.Errorf("file %s: %w", fileID, err)
		}
		if generation <= f.CommittedGeneration {
			return fmt.Errorf("file %s: generation %d already superseded", fileID, generation)
		}
		prev = f.CommittedGeneration
		f.CommittedGeneration = generation
		return setJSON(txn, key, &f)
	})
	if err != nil {
		return err
	}
	if prev != 0 {
		// Retired generations are dropped outside the commit transaction;
		// a crash here leaves orphan keys that the next commit re-sweeps.
		return s.dropGeneration(ctx, fileID, prev)
	}
	return nil
}

func (s *BadgerStore) DiscardGeneration(ctx context.Context, fileID string, generation uint64) error {
	file, err := s.GetFile(ctx, fileID)
	if err == nil && file.CommittedGeneration == generation {
		return fmt.Errorf("file %s: generation %d is committed", fileID, generation)
	}
	return s.dropGeneration(ctx, fileID, generation)
}

func (s *BadgerStore) UpsertUserAggregate(ctx context.Context, aggregate *UserAggregate) error {
	return s.update(ctx, "upsert_user_aggregate", func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixAggregate+aggregate.UserKey), aggregate)
	})
}

func (s *BadgerStore) GetUserAggregate(ctx context.Context, userKey string) (*UserAggregate, error) {
	var agg UserAggregate
	err := s.view(ctx, "get_user_aggregate", func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixAggregate+userKey), &agg)
	})
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userKey, err)
	}
	return &agg, nil
}

func (s *BadgerStore) ListUserAggregates(ctx context.Context) ([]*UserAggregate, error) {
	var out []*UserAggregate
	err := s.view(ctx, "list_user_aggregates", func(txn *badger.Txn) error {
		return scanJSON(txn, []byte(prefixAggregate), func(val []byte) error {
			var a UserAggregate
			if err := json.Unmarshal(val, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) QueryAnomalies(ctx context.Context, filter AnomalyFilter) ([]detection.Anomaly, error) {
	files, err := s.committedFiles(ctx, filter.FileID)
	if err != nil {
		return nil, err
	}

	var out []detection.Anomaly
	err = s.view(ctx, "query_anomalies", func(txn *badger.Txn) error {
		for _, f := range files {
			prefix := genPrefix(prefixAnomaly, f.ID, f.CommittedGeneration)
			stop := scanJSON(txn, prefix, func(val []byte) error {
				var a detection.Anomaly
				if err := json.Unmarshal(val, &a); err != nil {
					return err
				}
				if !filter.Matches(&a) {
					return nil
				}
				out = append(out, a)
				if filter.Limit > 0 && len(out) >= filter.Limit {
					return errStopScan
				}
				return nil
			})
			if errors.Is(stop, errStopScan) {
				return nil
			}
			if stop != nil {
				return stop
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) CountEvents(ctx context.Context, fileID string) (int64, error) {
	file, err := s.GetFile(ctx, fileID)
	if err != nil {
		return 0, err
	}
	if file.CommittedGeneration == 0 {
		return 0, nil
	}

	var n int64
	err = s.view(ctx, "count_events", func(txn *badger.Txn) error {
		prefix := genPrefix(prefixEvent, fileID, file.CommittedGeneration)
		it := txn.NewIterator(keysOnlyOptions(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	logging.Info().Msg("Storage closing")
	return s.db.Close()
}

var errStopScan = errors.New("stop scan")

// committedFiles resolves the set of files a query must scan.
func (s *BadgerStore) committedFiles(ctx context.Context, fileID string) ([]*LogFile, error) {
	if fileID != "" {
		f, err := s.GetFile(ctx, fileID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if f.CommittedGeneration == 0 {
			return nil, nil
		}
		return []*LogFile{f}, nil
	}

	all, err := s.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	committed := all[:0]
	for _, f := range all {
		if f.CommittedGeneration != 0 {
			committed = append(committed, f)
		}
	}
	return committed, nil
}

func (s *BadgerStore) dropGeneration(ctx context.Context, fileID string, generation uint64) error {
	s.seqMu.Lock()
	delete(s.seq, seqKey(fileID, generation))
	s.seqMu.Unlock()
	for _, prefix := range [][]byte{
		genPrefix(prefixEvent, fileID, generation),
		genPrefix(prefixAnomaly, fileID, generation),
	} {
		err := s.update(ctx, "drop_generation", func(txn *badger.Txn) error {
			it := txn.NewIterator(keysOnlyOptions(prefix))
			defer it.Close()
			var keys [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// recordKey mints the next ordered key for a (file, generation) stream.
func (s *BadgerStore) recordKey(prefix, fileID string, generation uint64) []byte {
	k := seqKey(fileID, generation)
	s.seqMu.Lock()
	n := s.seq[k]
	s.seq[k] = n + 1
	s.seqMu.Unlock()
	return []byte(fmt.Sprintf("%s%s:%016x:%016x", prefix, fileID, generation, n))
}

func seqKey(fileID string, generation uint64) string {
	return fmt.Sprintf("%s:%016x", fileID, generation)
}

func genPrefix(prefix, fileID string, generation uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x:", prefix, fileID, generation))
}

func keysOnlyOptions(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

// update runs fn in a read-write transaction with metrics and context
// cancellation checks.
func (s *BadgerStore) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	recordOp(op, err)
	return err
}

func (s *BadgerStore) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(fn)
	recordOp(op, err)
	return err
}

func recordOp(op string, err error) {
	outcome := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		outcome = "error"
	}
	metrics.StorageOperations.WithLabelValues(op, outcome).Inc()
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func scanJSON(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Item().Key(), prefix) {
			break
		}
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
