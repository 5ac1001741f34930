// Package httpengine implements transfer.Engine on top of plain HTTP(S) with
// range requests for resumption.
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/placement"
	"github.com/italolelis/zim_downloader/internal/progress"
	"github.com/italolelis/zim_downloader/internal/transfer"
)

const (
	defaultMaxParallel      = 2
	defaultProgressInterval = 256 * 1024 // bytes
	partSuffix              = ".part"
)

// Config configures an Engine.
type Config struct {
	TempDir          string
	MaxParallel      int
	UserAgent        string
	ProgressInterval int64        // bytes between two progress callbacks
	Client           *http.Client // defaults to an otelhttp instrumented client
}

type task struct {
	handle   transfer.Handle
	url      string
	tempPath string
	cancel   context.CancelFunc

	mu           sync.Mutex
	offset       int64 // bytes already on disk when the task starts
	written      int64
	expected     int64
	rangeable    bool
	etag         string
	lastModified string
	cancelled    bool
	wantResume   bool
	done         func([]byte)
}

// Engine runs transfers in the background. Delegate callbacks are delivered in
// order from a single goroutine.
type Engine struct {
	tempDir          string
	userAgent        string
	progressInterval int64
	client           *http.Client
	sem              *semaphore.Weighted
	sessionID        string
	logger           *slog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	delegate transfer.Delegate
	nextID   uint64
	tasks    map[uint64]*task

	qmu         sync.Mutex
	queue       []func()
	wake        chan struct{}
	pendingIdle bool
	stopped     chan struct{}
}

// New creates the temp directory and starts the delegate goroutine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.TempDir == "" {
		return nil, errors.New("httpengine: temp dir is required")
	}

	// partial data is as disposable as resume tokens
	if err := placement.EnsureDirectory(cfg.TempDir, true); err != nil {
		return nil, fmt.Errorf("failed to prepare temp dir: %w", err)
	}

	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}

	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	logger := logctx.LoggerFromContext(ctx).With("component", "http_engine")
	baseCtx, cancelAll := context.WithCancel(logctx.WithLogger(context.Background(), logger))

	e := &Engine{
		tempDir:          cfg.TempDir,
		userAgent:        cfg.UserAgent,
		progressInterval: cfg.ProgressInterval,
		client:           client,
		sem:              semaphore.NewWeighted(int64(cfg.MaxParallel)),
		sessionID:        generateSessionID(),
		logger:           logger,
		baseCtx:          baseCtx,
		cancelAll:        cancelAll,
		tasks:            make(map[uint64]*task),
		wake:             make(chan struct{}, 1),
		stopped:          make(chan struct{}),
	}

	go e.deliver()

	return e, nil
}

// TempDir returns the directory holding partial transfers.
func (e *Engine) TempDir() string {
	return e.tempDir
}

func (e *Engine) SetDelegate(d transfer.Delegate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.delegate = d
}

// Create schedules a fresh transfer. It returns before any byte is requested.
func (e *Engine) Create(ctx context.Context, req transfer.Request) (transfer.Handle, error) {
	if req.ItemID == "" || req.URL == "" {
		return transfer.Handle{}, errors.New("httpengine: item id and url are required")
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	t := &task{
		handle:   transfer.Handle{TaskID: id, ItemID: req.ItemID},
		url:      req.URL,
		tempPath: filepath.Join(e.tempDir, fmt.Sprintf("%s-%d%s", e.sessionID, id, partSuffix)),
	}

	e.start(ctx, t)

	return t.handle, nil
}

// CreateFromToken continues a transfer from a token produced by this engine type.
func (e *Engine) CreateFromToken(ctx context.Context, itemID string, token []byte) (transfer.Handle, error) {
	rt, err := decodeToken(token)
	if err != nil {
		return transfer.Handle{}, err
	}

	if err := rt.validate(e.tempDir, itemID); err != nil {
		return transfer.Handle{}, err
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	t := &task{
		handle:       transfer.Handle{TaskID: id, ItemID: itemID},
		url:          rt.URL,
		tempPath:     rt.TempPath,
		offset:       rt.Written,
		written:      rt.Written,
		expected:     rt.Expected,
		rangeable:    true,
		etag:         rt.ETag,
		lastModified: rt.LastModified,
	}

	e.start(ctx, t)

	return t.handle, nil
}

func (e *Engine) start(ctx context.Context, t *task) {
	// the task outlives the request; keep only its trace parent
	taskCtx := trace.ContextWithSpanContext(e.baseCtx, trace.SpanContextFromContext(ctx))
	taskCtx = logctx.WithItemID(taskCtx, t.handle.ItemID)
	taskCtx, t.cancel = context.WithCancel(taskCtx)

	e.mu.Lock()
	e.tasks[t.handle.TaskID] = t
	e.mu.Unlock()

	e.wg.Add(1)

	go e.run(taskCtx, t)
}

// Cancel stops a task. done is always invoked from the delegate goroutine.
func (e *Engine) Cancel(h transfer.Handle, wantResumeData bool, done func([]byte)) {
	e.mu.Lock()

	t, ok := e.tasks[h.TaskID]
	if !ok || t.handle != h {
		e.mu.Unlock()
		e.enqueue(func() {
			if done != nil {
				done(nil)
			}
		})

		return
	}

	// marked while the task is still registered so finish observes it
	t.mu.Lock()
	t.cancelled = true
	t.wantResume = wantResumeData
	t.done = done
	t.mu.Unlock()

	e.mu.Unlock()

	t.cancel()
}

// Discard removes the partial file a token refers to. Unknown or malformed
// tokens are ignored.
func (e *Engine) Discard(token []byte) error {
	rt, err := decodeToken(token)
	if err != nil {
		return nil
	}

	if !within(e.tempDir, rt.TempPath) {
		return nil
	}

	if err := os.Remove(rt.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove partial file: %w", err)
	}

	return nil
}

// Tasks lists the running tasks. Tasks do not survive the process.
func (e *Engine) Tasks(context.Context) ([]transfer.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]transfer.Handle, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.handle)
	}

	return out, nil
}

// Close cancels every task, waits for them and stops the delegate goroutine
// once the queue is drained. Partial files are left behind.
func (e *Engine) Close() {
	e.cancelAll()
	e.wg.Wait()

	e.qmu.Lock()
	select {
	case <-e.stopped:
	default:
		close(e.stopped)
	}
	e.qmu.Unlock()
}

func (e *Engine) run(ctx context.Context, t *task) {
	defer e.wg.Done()

	logger := logctx.LoggerFromContext(ctx).With("task_id", t.handle.TaskID)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finish(ctx, t, "", err)

		return
	}

	defer e.sem.Release(1)

	logger.DebugContext(ctx, "transfer started", "url", t.url, "offset", t.offset)

	location, err := e.fetch(ctx, t)
	if err == nil {
		logger.InfoContext(ctx, "transfer finished", "size", humanize.Bytes(uint64(t.snapshot().Written)))
	}

	e.finish(ctx, t, location, err)
}

func (e *Engine) fetch(ctx context.Context, t *task) (string, error) {
	op := "get"
	if t.offset > 0 {
		op = "resume"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return "", &transfer.NetworkError{Operation: op, Message: "invalid request", Err: err}
	}

	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	if t.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.offset))

		switch {
		case t.etag != "":
			req.Header.Set("If-Range", t.etag)
		case t.lastModified != "":
			req.Header.Set("If-Range", t.lastModified)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &transfer.NetworkError{Operation: op, Message: err.Error(), Err: err}
	}

	defer resp.Body.Close()

	var offset, expected int64

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != t.offset {
			return "", &transfer.NetworkError{
				Operation:  op,
				StatusCode: resp.StatusCode,
				Message:    "unexpected content range " + strconv.Quote(resp.Header.Get("Content-Range")),
			}
		}

		offset, expected = start, total
	case http.StatusRequestedRangeNotSatisfiable:
		if t.offset > 0 && t.offset == t.expected {
			// everything was already on disk when the task was paused
			return t.tempPath, nil
		}

		return "", &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: resp.Status}
	case http.StatusOK:
		// the server ignored the range or the validator changed
		if resp.ContentLength > 0 {
			expected = resp.ContentLength
		}
	default:
		return "", &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: resp.Status}
	}

	t.mu.Lock()
	t.offset = offset
	t.written = offset
	t.expected = expected
	t.rangeable = resp.StatusCode == http.StatusPartialContent || strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	t.etag = resp.Header.Get("ETag")
	t.lastModified = resp.Header.Get("Last-Modified")
	t.mu.Unlock()

	out, err := os.OpenFile(t.tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open partial file: %w", err)
	}

	if err := out.Truncate(offset); err != nil {
		out.Close()

		return "", fmt.Errorf("failed to truncate partial file: %w", err)
	}

	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()

		return "", fmt.Errorf("failed to seek partial file: %w", err)
	}

	pr := progress.NewReader(resp.Body, offset, expected, e.progressInterval, func(written, total int64) {
		h := t.handle

		e.enqueue(func() {
			if d := e.currentDelegate(); d != nil {
				d.OnProgress(h, written, total)
			}
		})
	})

	n, copyErr := io.Copy(out, pr)

	t.mu.Lock()
	t.written = offset + n
	written := t.written
	t.mu.Unlock()

	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		return "", &transfer.NetworkError{Operation: op, Message: copyErr.Error(), Err: copyErr}
	}

	if expected > 0 && written < expected {
		return "", &transfer.NetworkError{
			Operation: op,
			Message:   fmt.Sprintf("body ended after %d of %d bytes", written, expected),
			Err:       io.ErrUnexpectedEOF,
		}
	}

	return t.tempPath, nil
}

func (e *Engine) finish(ctx context.Context, t *task, location string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()
	delete(e.tasks, t.handle.TaskID)
	t.mu.Lock()
	cancelled, wantResume, done := t.cancelled, t.wantResume, t.done
	t.mu.Unlock()
	e.mu.Unlock()

	if cancelled {
		var token []byte
		if wantResume {
			token = e.tokenFor(ctx, t)
		}

		if token == nil {
			e.removePartial(ctx, t)
		}

		e.enqueue(func() {
			if done != nil {
				done(token)
			}
		})

		return
	}

	if errors.Is(err, context.Canceled) && e.baseCtx.Err() != nil {
		// engine shutdown: no callback, the partial file is left for the next run
		logger.DebugContext(ctx, "transfer abandoned on shutdown")

		return
	}

	h := t.handle

	if err != nil {
		if token := e.tokenFor(ctx, t); token != nil {
			err = &transfer.ResumableError{ResumeData: token, Err: err}
		} else {
			e.removePartial(ctx, t)
		}

		logger.WarnContext(ctx, "transfer failed", "err", err)
	}

	e.enqueue(func() {
		if d := e.currentDelegate(); d != nil {
			d.OnFinished(h, location, err)
		}
	})
}

// tokenFor returns nil unless the server supports ranges and some bytes exist.
func (e *Engine) tokenFor(ctx context.Context, t *task) []byte {
	s := t.snapshot()
	if !t.rangeableLocked() || s.Written <= 0 {
		return nil
	}

	data, err := s.encode()
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to produce resume data", "err", err)

		return nil
	}

	return data
}

func (e *Engine) removePartial(ctx context.Context, t *task) {
	if err := os.Remove(t.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "path", t.tempPath, "err", err)
	}
}

func (t *task) snapshot() resumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()

	return resumeToken{
		ItemID:       t.handle.ItemID,
		URL:          t.url,
		TempPath:     t.tempPath,
		Written:      t.written,
		Expected:     t.expected,
		ETag:         t.etag,
		LastModified: t.lastModified,
	}
}

func (t *task) rangeableLocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rangeable
}

func (e *Engine) currentDelegate() transfer.Delegate {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.delegate
}

func (e *Engine) enqueue(fn func()) {
	e.qmu.Lock()
	e.queue = append(e.queue, fn)
	e.pendingIdle = true
	e.qmu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// deliver runs queued callbacks one at a time, without holding any lock, and
// signals OnAllEventsDelivered each time the engine drains to idle.
func (e *Engine) deliver() {
	for {
		e.qmu.Lock()
		if len(e.queue) == 0 {
			e.qmu.Unlock()

			select {
			case <-e.wake:
				continue
			case <-e.stopped:
				return
			}
		}

		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.safely(fn)

		if e.drainedToIdle() {
			if d := e.currentDelegate(); d != nil {
				e.safely(d.OnAllEventsDelivered)
			}
		}
	}
}

func (e *Engine) drainedToIdle() bool {
	e.mu.Lock()
	running := len(e.tasks)
	e.mu.Unlock()

	e.qmu.Lock()
	defer e.qmu.Unlock()

	if !e.pendingIdle || len(e.queue) > 0 || running > 0 {
		return false
	}

	e.pendingIdle = false

	return true
}

func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("delegate callback panic", "panic", r)
		}
	}()

	fn()
}

// parseContentRange parses "bytes start-end/total". total is 0 when unknown.
func parseContentRange(v string) (start, total int64, ok bool) {
	v, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}

	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}

	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}

	return start, total, true
}
