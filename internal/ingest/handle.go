// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package ingest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tomtom215/logsentry/internal/storage"
)

func newFileID() string {
	return uuid.New().String()
}

// FileHandle tracks one asynchronous ingestion run.
type FileHandle struct {
	fileID string
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	file *storage.LogFile
	err  error
}

// FileID returns the identifier of the file being processed.
func (h *FileHandle) FileID() string { return h.fileID }

// Cancel aborts the run. The file finalizes as failed with a cancelled
// reason; already-committed generations from prior runs stay visible.
func (h *FileHandle) Cancel() { h.cancel() }

// Done is closed when the run has finalized.
func (h *FileHandle) Done() <-chan struct{} { return h.done }

// Status returns the file's terminal status once the run has finalized.
// While the run is in flight it reports StatusProcessing and false; the
// store holds the authoritative live record.
func (h *FileHandle) Status() (storage.FileStatus, bool) {
	select {
	case <-h.done:
		if h.file != nil {
			return h.file.Status, true
		}
		return storage.StatusFailed, true
	default:
		return storage.StatusProcessing, false
	}
}

// Wait blocks until the run finalizes or ctx expires. On completion it
// returns the terminal file record; the error is non-nil when the run
// failed.
func (h *FileHandle) Wait(ctx context.Context) (*storage.LogFile, error) {
	select {
	case <-h.done:
		return h.file, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *FileHandle) complete(file *storage.LogFile, err error) {
	h.once.Do(func() {
		h.file = file
		h.err = err
		close(h.done)
	})
}
