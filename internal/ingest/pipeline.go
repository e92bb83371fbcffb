// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package ingest runs uploaded NSS log files through parsing, behavior
// tracking, detection, and risk scoring, and persists the results.
//
// Each file is processed as one generation: parsed events and detected
// anomalies are written under a fresh generation number and become
// visible atomically when the generation commits. A failed or cancelled
// run discards its generation, so re-ingesting a file can never leave
// duplicate or half-written results behind.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/config"
	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/metrics"
	"github.com/tomtom215/logsentry/internal/nss"
	"github.com/tomtom215/logsentry/internal/risk"
	"github.com/tomtom215/logsentry/internal/storage"
)

// maxLineBytes bounds a single log line. NSS feed lines are well under
// 8KiB; anything past this is not an NSS line.
const maxLineBytes = 1 << 20

var errTooLarge = errors.New("upload exceeds size ceiling")

// pipelineError carries the failure reason a run finalizes with.
type pipelineError struct {
	reason storage.FailureReason
	err    error
}

func (e *pipelineError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *pipelineError) Unwrap() error { return e.err }

func failWith(reason storage.FailureReason, err error) *pipelineError {
	return &pipelineError{reason: reason, err: err}
}

// Pipeline processes uploaded files. It is safe for concurrent use; the
// number of simultaneously processing files is bounded by configuration.
type Pipeline struct {
	cfg       config.IngestConfig
	detectCfg detection.Config
	store     storage.Store
	scorer    *risk.Scorer
	writer    *storageWriter
	limiter   *rate.Limiter
	slots     chan struct{}
}

// NewPipeline wires a pipeline over the given store and scorer. The
// scorer is shared across files so risk accumulates per user globally.
func NewPipeline(cfg config.IngestConfig, detectCfg detection.Config, store storage.Store, scorer *risk.Scorer) *Pipeline {
	var limiter *rate.Limiter
	if cfg.LinesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LinesPerSecond), cfg.LinesPerSecond)
	}
	return &Pipeline{
		cfg:       cfg,
		detectCfg: detectCfg,
		store:     store,
		scorer:    scorer,
		writer:    newStorageWriter(cfg),
		limiter:   limiter,
		slots:     make(chan struct{}, cfg.MaxConcurrentFiles),
	}
}

// Ingest registers a new file and processes it asynchronously. The
// returned handle reports progress and supports cancellation.
func (p *Pipeline) Ingest(ctx context.Context, name string, r io.Reader) (*FileHandle, error) {
	file := &storage.LogFile{
		ID:         newFileID(),
		Name:       name,
		Status:     storage.StatusUploading,
		UploadedAt: time.Now().UTC(),
	}
	if err := p.store.CreateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("register file %s: %w", name, err)
	}
	return p.start(ctx, file, 1, r), nil
}

// Reingest reprocesses an existing file's content under the next
// generation. Committed results from the previous run stay visible
// until the new generation commits.
func (p *Pipeline) Reingest(ctx context.Context, fileID string, r io.Reader) (*FileHandle, error) {
	file, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !file.Status.Terminal() {
		return nil, fmt.Errorf("file %s: still %s", fileID, file.Status)
	}
	return p.start(ctx, file, file.CommittedGeneration+1, r), nil
}

func (p *Pipeline) start(ctx context.Context, file *storage.LogFile, generation uint64, r io.Reader) *FileHandle {
	runCtx, cancel := context.WithCancel(logging.ContextWithNewCorrelationID(ctx))
	h := &FileHandle{
		fileID: file.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(runCtx, h, file, generation, r)
	return h
}

// run drives one generation end to end and finalizes the file status.
func (p *Pipeline) run(ctx context.Context, h *FileHandle, file *storage.LogFile, generation uint64, r io.Reader) {
	defer h.cancel()

	log := logging.Ctx(ctx).With().
		Str("file_id", file.ID).
		Str("file_name", file.Name).
		Uint64("generation", generation).
		Logger()

	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		p.finalize(ctx, h, file, generation, nil, failWith(storage.ReasonCancelled, ctx.Err()))
		return
	}

	metrics.ActiveIngestions.Inc()
	defer metrics.ActiveIngestions.Dec()
	started := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(started).Seconds())
	}()

	engine, err := detection.NewEngine(p.detectCfg)
	if err != nil {
		p.finalize(ctx, h, file, generation, nil, failWith(storage.ReasonConfigError, err))
		return
	}

	if err := p.writer.do(ctx, "update_file_status", func(ctx context.Context) error {
		return p.store.UpdateFileStatus(ctx, file.ID, storage.StatusProcessing, "", storage.FileCounts{})
	}); err != nil {
		p.finalize(ctx, h, file, generation, nil, failWith(storage.ReasonStorageError, err))
		return
	}

	log.Info().Msg("Ingestion started")
	result, runErr := p.process(ctx, file.ID, generation, r, engine)
	p.finalize(ctx, h, file, generation, result, runErr)
}

// runResult is what a completed (or partially completed) run produces.
type runResult struct {
	totalLines  int64
	parseErrors int64
	minTS       time.Time
	maxTS       time.Time

	// anomalies per user, applied to the scorer only on success so a
	// failed run leaves risk scores untouched.
	userAnomalies map[string][]detection.Anomaly
	userTraffic   map[string]*trafficCounts
}

type trafficCounts struct {
	blocked int64
	total   int64
}

// finalize discards or commits the generation and writes the terminal
// status. Uses a non-cancellable context so a cancelled run can still
// record its failure.
func (p *Pipeline) finalize(ctx context.Context, h *FileHandle, file *storage.LogFile, generation uint64, result *runResult, runErr error) {
	ctx = context.WithoutCancel(ctx)
	log := logging.Ctx(ctx).With().Str("file_id", file.ID).Uint64("generation", generation).Logger()

	if runErr != nil {
		reason := storage.ReasonStorageError
		var perr *pipelineError
		if errors.As(runErr, &perr) {
			reason = perr.reason
		}

		if err := p.store.DiscardGeneration(ctx, file.ID, generation); err != nil {
			log.Error().Err(err).Msg("Failed to discard generation")
		}
		counts := storage.FileCounts{}
		if result != nil {
			counts = result.fileCounts()
		}
		if err := p.writer.do(ctx, "update_file_status", func(ctx context.Context) error {
			return p.store.UpdateFileStatus(ctx, file.ID, storage.StatusFailed, reason, counts)
		}); err != nil {
			log.Error().Err(err).Msg("Failed to record failure status")
		}
		metrics.FilesFinalized.WithLabelValues(string(storage.StatusFailed), string(reason)).Inc()
		log.Warn().Err(runErr).Str("reason", string(reason)).Msg("Ingestion failed")
		h.complete(p.reload(ctx, file.ID), runErr)
		return
	}

	now := time.Now().UTC()
	if err := p.applyRiskAndAggregates(ctx, result, now); err != nil {
		p.finalize(ctx, h, file, generation, result, failWith(storage.ReasonStorageError, err))
		return
	}

	err := p.writer.do(ctx, "commit_generation", func(ctx context.Context) error {
		return p.store.CommitGeneration(ctx, file.ID, generation)
	})
	if err == nil {
		err = p.writer.do(ctx, "update_file_status", func(ctx context.Context) error {
			return p.store.UpdateFileStatus(ctx, file.ID, storage.StatusCompleted, "", result.fileCounts())
		})
	}
	if err != nil {
		p.finalize(ctx, h, file, generation, result, failWith(storage.ReasonStorageError, err))
		return
	}

	metrics.FilesFinalized.WithLabelValues(string(storage.StatusCompleted), "").Inc()
	metrics.HighRiskUsers.Set(float64(p.scorer.HighRiskCount(now)))
	log.Info().
		Int64("total_lines", result.totalLines).
		Int64("parse_errors", result.parseErrors).
		Int("users", len(result.userTraffic)).
		Msg("Ingestion completed")
	h.complete(p.reload(ctx, file.ID), nil)
}

// applyRiskAndAggregates folds the run's anomalies into the shared
// scorer and upserts per-user aggregates.
func (p *Pipeline) applyRiskAndAggregates(ctx context.Context, result *runResult, now time.Time) error {
	for userKey, traffic := range result.userTraffic {
		if anoms := result.userAnomalies[userKey]; len(anoms) > 0 {
			p.scorer.Apply(userKey, anoms, now)
		}

		agg, err := p.store.GetUserAggregate(ctx, userKey)
		if errors.Is(err, storage.ErrNotFound) {
			agg = &storage.UserAggregate{UserKey: userKey}
		} else if err != nil {
			return err
		}

		score := p.scorer.Snapshot(userKey, now)
		agg.RiskScore = score.Score
		agg.AnomalyCount = score.AnomalyCount
		agg.BlockedCount += traffic.blocked
		agg.TotalRequests += traffic.total
		agg.LastUpdate = now

		if err := p.writer.do(ctx, "upsert_user_aggregate", func(ctx context.Context) error {
			return p.store.UpsertUserAggregate(ctx, agg)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runResult) fileCounts() storage.FileCounts {
	counts := storage.FileCounts{
		TotalEntries: r.totalLines - r.parseErrors,
		ParseErrors:  r.parseErrors,
	}
	if !r.minTS.IsZero() {
		start, end := r.minTS, r.maxTS
		counts.DateRangeStart = &start
		counts.DateRangeEnd = &end
	}
	return counts
}

func (p *Pipeline) reload(ctx context.Context, fileID string) *storage.LogFile {
	f, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return nil
	}
	return f
}

// lineBatch is the unit of work handed to parse workers.
type lineBatch struct {
	seq       int
	firstLine int
	lines     []string
}

// parsedBatch preserves the batch sequence so the fold can restore
// file order after parallel parsing.
type parsedBatch struct {
	seq       int
	firstLine int
	events    []*nss.LogEvent
	errs      []*nss.ParseError
}

// process reads, parses, and folds one file. Parsing fans out across
// workers; the fold is single-threaded and consumes batches strictly in
// file order, which keeps sliding windows and burst detection
// deterministic.
func (p *Pipeline) process(ctx context.Context, fileID string, generation uint64, r io.Reader, engine *detection.Engine) (*runResult, error) {
	src, err := p.openStream(r)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.cfg.ParseWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	workCh := make(chan lineBatch, workers)
	parsedCh := make(chan parsedBatch, workers)

	var produceErr error
	go func() {
		defer close(workCh)
		produceErr = p.produce(ctx, src, workCh)
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range workCh {
				out := parsedBatch{seq: batch.seq, firstLine: batch.firstLine}
				lineNo := batch.firstLine
				for _, line := range batch.lines {
					event, perr := nss.Parse(line, lineNo)
					if perr != nil {
						out.errs = append(out.errs, perr)
					} else {
						out.events = append(out.events, event)
					}
					lineNo++
				}
				select {
				case parsedCh <- out:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(parsedCh)
	}()

	result, foldErr := p.fold(ctx, fileID, generation, parsedCh, engine)
	if foldErr != nil {
		cancel()
		for range parsedCh { // release workers
		}
		return result, foldErr
	}
	if produceErr != nil {
		return result, produceErr
	}
	return result, nil
}

// openStream transparently decompresses gzip uploads and applies the
// size ceiling. The ceiling counts decompressed bytes, so a small
// compressed upload cannot expand past the limit.
func (p *Pipeline) openStream(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, failWith(storage.ReasonFormatMismatch, err)
	}
	var src io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, failWith(storage.ReasonFormatMismatch, fmt.Errorf("gzip: %w", err))
		}
		src = gz
	}
	return &ceilingReader{r: src, max: p.cfg.MaxFileBytes}, nil
}

// produce scans lines into sequenced batches, throttling if configured.
func (p *Pipeline) produce(ctx context.Context, src io.Reader, workCh chan<- lineBatch) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	seq := 0
	lineNo := 1
	batch := lineBatch{seq: seq, firstLine: lineNo}

	flush := func() error {
		if len(batch.lines) == 0 {
			return nil
		}
		if err := p.throttle(ctx, len(batch.lines)); err != nil {
			return err
		}
		select {
		case workCh <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
		batch = lineBatch{seq: seq, firstLine: lineNo}
		return nil
	}

	for scanner.Scan() {
		batch.lines = append(batch.lines, scanner.Text())
		lineNo++
		if len(batch.lines) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return wrapProduceErr(err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapProduceErr(err)
	}
	return wrapProduceErr(flush())
}

func wrapProduceErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errTooLarge):
		return failWith(storage.ReasonTooLarge, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failWith(storage.ReasonCancelled, err)
	default:
		return failWith(storage.ReasonFormatMismatch, fmt.Errorf("read: %w", err))
	}
}

func (p *Pipeline) throttle(ctx context.Context, n int) error {
	if p.limiter == nil {
		return nil
	}
	burst := p.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := p.limiter.WaitN(ctx, chunk); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		n -= chunk
	}
	return nil
}

// fold consumes parsed batches in sequence order and applies behavior
// tracking, detection, risk attribution, and persistence.
func (p *Pipeline) fold(ctx context.Context, fileID string, generation uint64, parsedCh <-chan parsedBatch, engine *detection.Engine) (*runResult, error) {
	result := &runResult{
		userAnomalies: make(map[string][]detection.Anomaly),
		userTraffic:   make(map[string]*trafficCounts),
	}
	windows := behavior.NewStore(p.detectCfg.BurstWindow)

	var (
		pending      = make(map[int]parsedBatch)
		next         = 0
		eventBuf     []*nss.LogEvent
		anomalyBuf   []detection.Anomaly
		sampled      int64
		sampleErrors int64
		sampleDone   bool
	)

	flush := func() error {
		if len(eventBuf) > 0 {
			events := eventBuf
			if err := p.writer.do(ctx, "save_events", func(ctx context.Context) error {
				return p.store.SaveEvents(ctx, fileID, generation, events)
			}); err != nil {
				return failWith(storage.ReasonStorageError, err)
			}
			eventBuf = nil
		}
		if len(anomalyBuf) > 0 {
			anomalies := anomalyBuf
			if err := p.writer.do(ctx, "save_anomalies", func(ctx context.Context) error {
				return p.store.SaveAnomalies(ctx, fileID, generation, anomalies)
			}); err != nil {
				return failWith(storage.ReasonStorageError, err)
			}
			anomalyBuf = nil
		}
		return nil
	}

	checkFormat := func() error {
		if sampleDone {
			return nil
		}
		if sampled < int64(p.cfg.FormatSampleLines) {
			return nil
		}
		sampleDone = true
		if float64(sampleErrors)/float64(sampled) > p.cfg.FormatMismatchRatio {
			return failWith(storage.ReasonFormatMismatch,
				fmt.Errorf("%d of first %d lines unparsable", sampleErrors, sampled))
		}
		return nil
	}

	apply := func(batch parsedBatch) error {
		lines := int64(len(batch.events) + len(batch.errs))
		result.totalLines += lines
		result.parseErrors += int64(len(batch.errs))
		metrics.LinesProcessed.Add(float64(lines))

		// The sample is exactly the first FormatSampleLines lines, even
		// when a batch straddles the boundary.
		if !sampleDone {
			take := lines
			if remaining := int64(p.cfg.FormatSampleLines) - sampled; take > remaining {
				take = remaining
			}
			cutoff := batch.firstLine + int(take)
			for _, perr := range batch.errs {
				if perr.LineNumber < cutoff {
					sampleErrors++
				}
			}
			sampled += take
			if err := checkFormat(); err != nil {
				return err
			}
		}

		for _, perr := range batch.errs {
			metrics.ParseErrors.WithLabelValues(string(perr.Reason)).Inc()
			logging.Ctx(ctx).Debug().
				Str("file_id", fileID).
				Int("line", perr.LineNumber).
				Str("reason", string(perr.Reason)).
				Msg("Line rejected")
		}

		for _, event := range batch.events {
			if result.minTS.IsZero() || event.Timestamp.Before(result.minTS) {
				result.minTS = event.Timestamp
			}
			if event.Timestamp.After(result.maxTS) {
				result.maxTS = event.Timestamp
			}

			userKey := event.UserKey()
			traffic := result.userTraffic[userKey]
			if traffic == nil {
				traffic = &trafficCounts{}
				result.userTraffic[userKey] = traffic
			}
			traffic.total++
			if event.IsBlocked() {
				traffic.blocked++
			}

			snapshot := windows.RecordEvent(userKey, event.Timestamp, event.IsBlocked())
			anomalies := engine.Evaluate(fileID, event, snapshot)
			if len(anomalies) > 0 {
				result.userAnomalies[userKey] = append(result.userAnomalies[userKey], anomalies...)
				anomalyBuf = append(anomalyBuf, anomalies...)
			}
			eventBuf = append(eventBuf, event)
		}

		if len(eventBuf) >= p.cfg.BatchSize {
			return flush()
		}
		return nil
	}

	for batch := range parsedCh {
		pending[batch.seq] = batch
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := apply(ready); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, failWith(storage.ReasonCancelled, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, failWith(storage.ReasonCancelled, err)
	}

	// Short files never reach the sample size; check what we saw.
	if !sampleDone && sampled > 0 {
		sampleDone = true
		if float64(sampleErrors)/float64(sampled) > p.cfg.FormatMismatchRatio {
			return result, failWith(storage.ReasonFormatMismatch,
				fmt.Errorf("%d of %d lines unparsable", sampleErrors, sampled))
		}
	}

	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

// ceilingReader fails the stream once more than max bytes have been
// consumed from the underlying reader.
type ceilingReader struct {
	r        io.Reader
	max      int64
	consumed int64
}

func (c *ceilingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.consumed += int64(n)
	if c.consumed > c.max {
		return n, errTooLarge
	}
	return n, err
}
