// Package logpipeline implements the asynchronous two-phase request log
// pipeline of spec §4.C: an Insert on arrival, an Update on completion,
// correlated by request-id, flushed to durable storage without ever
// blocking the dispatcher.
package logpipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/storage"
)

// Stats is the snapshot returned by Pipeline.Stats.
type Stats struct {
	Pending   int
	Processed int64
	Failed    int64
	Dropped   int64
	AvgMs     float64
	LastAt    time.Time
	Healthy   bool
}

// pendingRecord is the staged Insert for a request-id. An Update arriving
// before the Insert flushes is merged directly into it (ordering option (b)
// of spec §4.C); an Update arriving after it has flushed takes the direct
// update path instead.
type pendingRecord struct {
	mu      sync.Mutex
	log     *kestrel.RequestLog
	flushed bool
}

type queueItem struct {
	record       *pendingRecord    // set for the staged-insert path
	directUpdate *kestrel.RequestLog // set when the insert already flushed
}

// Pipeline is a bounded, non-blocking log queue with a background flush
// worker. It implements worker.Worker.
type Pipeline struct {
	store        storage.LogStore
	ch           chan queueItem
	batchSize    int
	flushEvery   time.Duration
	bodyCapBytes int
	maxRetries   int

	pending sync.Map // request-id -> *pendingRecord

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	totalMs   atomic.Int64
	lastAt    atomic.Int64 // unix nanos
}

// Config controls queue sizing and flush cadence.
type Config struct {
	QueueSize    int
	BatchSize    int
	FlushEvery   time.Duration
	BodyCapBytes int
	MaxRetries   int
}

// New constructs a Pipeline backed by store.
func New(store storage.LogStore, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{
		store:        store,
		ch:           make(chan queueItem, cfg.QueueSize),
		batchSize:    cfg.BatchSize,
		flushEvery:   cfg.FlushEvery,
		bodyCapBytes: cfg.BodyCapBytes,
		maxRetries:   cfg.MaxRetries,
	}
}

// Name returns the worker identifier.
func (p *Pipeline) Name() string { return "log_pipeline" }

// Insert enqueues the arrival-phase record. Non-blocking: dropped and
// counted if the queue is full.
func (p *Pipeline) Insert(log *kestrel.RequestLog) {
	p.truncate(log)
	pr := &pendingRecord{log: log}
	p.pending.Store(log.RequestID, pr)
	select {
	case p.ch <- queueItem{record: pr}:
	default:
		p.pending.Delete(log.RequestID)
		p.dropped.Add(1)
		slog.Warn("request log insert dropped, queue full", "request_id", log.RequestID)
	}
}

// Update enqueues the completion-phase record, merging into the staged
// Insert when it has not yet flushed.
func (p *Pipeline) Update(update *kestrel.RequestLog) {
	p.truncate(update)

	if v, ok := p.pending.Load(update.RequestID); ok {
		pr := v.(*pendingRecord)
		pr.mu.Lock()
		if !pr.flushed {
			mergeUpdate(pr.log, update)
			pr.mu.Unlock()
			return
		}
		pr.mu.Unlock()
	}

	select {
	case p.ch <- queueItem{directUpdate: update}:
	default:
		p.dropped.Add(1)
		slog.Warn("request log update dropped, queue full", "request_id", update.RequestID)
	}
}

// mergeUpdate copies completion-phase fields from update onto the staged
// insert record.
func mergeUpdate(dst, update *kestrel.RequestLog) {
	if update.GroupID != "" {
		dst.GroupID = update.GroupID
	}
	if update.ProviderKind != "" {
		dst.ProviderKind = update.ProviderKind
	}
	if update.Model != "" {
		dst.Model = update.Model
	}
	dst.ResponseBody = update.ResponseBody
	dst.ResponseHeaders = update.ResponseHeaders
	dst.ContentTruncated = dst.ContentTruncated || update.ContentTruncated
	dst.StatusCode = update.StatusCode
	dst.DurationMs = update.DurationMs
	dst.PromptTokens = update.PromptTokens
	dst.CompletionTokens = update.CompletionTokens
	dst.TotalTokens = update.TotalTokens
	dst.ErrorMessage = update.ErrorMessage
}

// truncate caps request/response bodies at the configured byte limit and
// flags the record (spec §4.C Truncation).
func (p *Pipeline) truncate(log *kestrel.RequestLog) {
	if p.bodyCapBytes <= 0 {
		return
	}
	if len(log.RequestBody) > p.bodyCapBytes {
		log.RequestBody = log.RequestBody[:p.bodyCapBytes]
		log.ContentTruncated = true
	}
	if len(log.ResponseBody) > p.bodyCapBytes {
		log.ResponseBody = log.ResponseBody[:p.bodyCapBytes]
		log.ContentTruncated = true
	}
}

// Run processes queued items until ctx is cancelled, then drains the
// remaining queue with a bounded grace period.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	buf := make([]queueItem, 0, p.batchSize)
	for {
		select {
		case item := <-p.ch:
			buf = append(buf, item)
			if len(buf) >= p.batchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				p.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			p.drain(buf)
			return nil
		}
	}
}

const drainTimeout = 30 * time.Second

func (p *Pipeline) drain(buf []queueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case item := <-p.ch:
			buf = append(buf, item)
			if len(buf) >= p.batchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				p.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes a batch of queue items in arrival order, retrying each
// failed write with exponential backoff up to maxRetries before surrendering
// it (spec §4.C Contract).
func (p *Pipeline) flush(ctx context.Context, batch []queueItem) {
	for _, item := range batch {
		start := time.Now()
		var err error
		switch {
		case item.record != nil:
			item.record.mu.Lock()
			item.record.flushed = true
			log := item.record.log
			item.record.mu.Unlock()
			p.pending.Delete(log.RequestID)
			err = p.writeWithRetry(ctx, func(ctx context.Context) error {
				return p.store.InsertRequestLog(ctx, log)
			})
		case item.directUpdate != nil:
			err = p.writeWithRetry(ctx, func(ctx context.Context) error {
				return p.store.UpdateRequestLog(ctx, item.directUpdate)
			})
		}

		if err != nil {
			p.failed.Add(1)
			slog.LogAttrs(ctx, slog.LevelError, "request log flush surrendered",
				slog.String("error", err.Error()))
			continue
		}
		p.processed.Add(1)
		p.totalMs.Add(time.Since(start).Milliseconds())
		p.lastAt.Store(time.Now().UnixNano())
	}
}

func (p *Pipeline) writeWithRetry(ctx context.Context, write func(context.Context) error) error {
	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// Stats returns the current queue health snapshot (spec §4.C stats()).
func (p *Pipeline) Stats() Stats {
	processed := p.processed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(p.totalMs.Load()) / float64(processed)
	}
	var lastAt time.Time
	if ns := p.lastAt.Load(); ns > 0 {
		lastAt = time.Unix(0, ns)
	}
	pending := len(p.ch)
	return Stats{
		Pending:   pending,
		Processed: processed,
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		AvgMs:     avg,
		LastAt:    lastAt,
		Healthy:   pending < cap(p.ch)*9/10,
	}
}
