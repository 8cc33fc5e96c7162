// Package dispatch runs the asynchronous recommendation pipeline. Submit
// returns immediately with an acknowledgement; a bounded worker pool picks
// the task up, runs extraction, lookup, fallback generation, verification
// and write-back, then posts the result through the deliverer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tunesmith/internal/config"
	"tunesmith/internal/delivery"
	"tunesmith/internal/generate"
	"tunesmith/internal/intent"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/memory"
	"tunesmith/internal/telemetry"
	"tunesmith/internal/verify"
)

var (
	// ErrBusy is returned by Submit when the queue is full.
	ErrBusy = errors.New("dispatcher at capacity")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

const (
	emptyResultText = "I looked everywhere but couldn't find a song you haven't heard yet. Tell me a new mood or artist and I'll dig again."
	failureText     = "Sorry, I hit a snag while looking for your song. Please try again in a moment."

	deliveryGrace = 30 * time.Second
)

// Dispatcher owns the task queue and worker pool.
type Dispatcher struct {
	cfg       config.DispatcherConfig
	extractor *intent.Extractor
	store     *knowledge.Store
	generator *generate.Generator
	verifier  *verify.Verifier
	memory    *memory.Manager
	deliverer delivery.Deliverer
	logger    *zap.Logger

	queue  chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	rejected  atomic.Int64

	recentMu sync.Mutex
	recent   []Outcome
	recentAt int
}

// Deps bundles the pipeline stages the dispatcher drives.
type Deps struct {
	Extractor *intent.Extractor
	Store     *knowledge.Store
	Generator *generate.Generator
	Verifier  *verify.Verifier
	Memory    *memory.Manager
	Deliverer delivery.Deliverer
	Logger    *zap.Logger
}

// NewDispatcher builds a stopped dispatcher; call Start before Submit.
func NewDispatcher(cfg config.DispatcherConfig, deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		extractor: deps.Extractor,
		store:     deps.Store,
		generator: deps.Generator,
		verifier:  deps.Verifier,
		memory:    deps.Memory,
		deliverer: deps.Deliverer,
		logger:    logger,
		queue:     make(chan *Task, cfg.QueueDepth),
		stopCh:    make(chan struct{}),
		recent:    make([]Outcome, 0, cfg.RecentTasks),
	}
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_depth", d.cfg.QueueDepth))
}

// Stop rejects new submissions and waits for in-flight tasks to finish.
// Tasks still waiting in the queue are drained and marked failed without
// a callback.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	close(d.stopCh)
	if started {
		d.wg.Wait()
	}
	for {
		select {
		case task := <-d.queue:
			telemetry.QueueDepth.Dec()
			task.State = StateFailed
			task.Err = "dispatcher shut down before the task ran"
			d.failed.Add(1)
			d.finish(task, time.Now())
		default:
			d.logger.Info("dispatcher stopped")
			return
		}
	}
}

// Submit enqueues a recommendation request and returns the acknowledgement
// text and task ID. It never blocks: a full queue fails fast with ErrBusy.
func (d *Dispatcher) Submit(sessionID, userText string) (string, string, error) {
	d.mu.Lock()
	rejected := d.stopped || !d.started
	d.mu.Unlock()
	if rejected {
		return "", "", ErrStopped
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		UserText:    userText,
		State:       StatePending,
		SubmittedAt: now,
		Deadline:    now.Add(d.cfg.TaskDeadline),
	}

	select {
	case d.queue <- task:
		d.submitted.Add(1)
		telemetry.QueueDepth.Inc()
		d.logger.Debug("task accepted",
			zap.String("task_id", task.ID),
			zap.String("session_id", sessionID))
		return d.cfg.AckText, task.ID, nil
	default:
		d.rejected.Add(1)
		telemetry.TasksTotal.WithLabelValues("busy").Inc()
		return "", "", ErrBusy
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case task := <-d.queue:
			telemetry.QueueDepth.Dec()
			d.process(task)
		}
	}
}

func (d *Dispatcher) process(task *Task) {
	task.State = StateRunning
	ctx, cancel := context.WithDeadline(context.Background(), task.Deadline)
	defer cancel()

	cb, state := d.pipeline(ctx, task)

	// Check the budget after the pipeline: writes stay committed, but
	// a late result is never delivered.
	if time.Now().After(task.Deadline) {
		state = StateExpired
	}
	task.State = state

	switch state {
	case StateCompleted:
		d.deliver(task, cb)
		d.completed.Add(1)
	case StateFailed:
		d.deliver(task, delivery.Callback{
			SessionID:      task.SessionID,
			UserText:       task.UserText,
			Recommendation: failureText,
		})
		d.failed.Add(1)
	case StateExpired:
		d.logger.Warn("task expired, dropping callback",
			zap.String("task_id", task.ID),
			zap.Duration("elapsed", time.Since(task.SubmittedAt)))
		d.expired.Add(1)
	}

	telemetry.TasksTotal.WithLabelValues(string(state)).Inc()
	telemetry.PipelineDuration.Observe(time.Since(task.SubmittedAt).Seconds())
	d.finish(task, time.Now())
}

// pipeline runs extraction through write-back and reports the callback to
// post along with the terminal state.
func (d *Dispatcher) pipeline(ctx context.Context, task *Task) (delivery.Callback, TaskState) {
	q, err := d.extractor.Extract(ctx, task.UserText)
	if err != nil {
		if !errors.Is(err, intent.ErrIntentParse) {
			task.Err = fmt.Sprintf("intent extraction: %v", err)
			d.logger.Error("intent extraction failed",
				zap.String("task_id", task.ID), zap.Error(err))
			return delivery.Callback{}, StateFailed
		}
		// Unparseable intent degrades to a free-text lookup.
		q = intent.FreeTextQuery(task.UserText)
	}
	task.Query = q

	hits := d.store.Lookup(knowledge.Query{
		Title:    q.Title,
		Artist:   q.Artist,
		Genre:    q.Genre,
		Mood:     q.Mood,
		FreeText: q.FreeText,
	})
	fresh := d.memory.FilterNew(task.SessionID, hits)

	var text string
	if len(fresh) == 0 {
		fresh, text, err = d.generateVerified(ctx, task, q)
		if err != nil {
			return delivery.Callback{}, StateFailed
		}
	}

	if len(fresh) == 0 {
		task.Recommendation = emptyResultText
	} else {
		task.Recommendation = composeReply(text, fresh)
	}
	task.Songs = fresh
	d.memory.Record(task.SessionID, fresh)

	return delivery.Callback{
		SessionID:      task.SessionID,
		UserText:       task.UserText,
		Recommendation: task.Recommendation,
		Songs:          fresh,
		Intent:         q,
	}, StateCompleted
}

// generateVerified runs the fallback: generate candidates, verify them,
// write accepted songs back to the store and return the ones the session
// has not heard. A generation failure yields zero candidates rather than
// failing the task; a store write failure fails it.
func (d *Dispatcher) generateVerified(ctx context.Context, task *Task, q intent.Query) ([]knowledge.Song, string, error) {
	exclude := excludedTitles(d.memory.Delivered(task.SessionID))
	candidates, text, err := d.generator.Generate(ctx, q, exclude)
	if err != nil {
		d.logger.Warn("generation failed",
			zap.String("task_id", task.ID), zap.Error(err))
		candidates = nil
	}

	records := d.verifier.VerifyAll(ctx, candidates)
	accepted := make([]knowledge.Song, 0, len(records))
	for _, rec := range records {
		song, ok := rec.Song()
		if !ok {
			telemetry.CandidatesVerified.WithLabelValues("rejected").Inc()
			continue
		}
		telemetry.CandidatesVerified.WithLabelValues("accepted").Inc()
		res, err := d.store.Append(song)
		if err != nil {
			telemetry.StoreAppends.WithLabelValues("error").Inc()
			task.Err = fmt.Sprintf("store append: %v", err)
			d.logger.Error("knowledge store write failed",
				zap.String("task_id", task.ID),
				zap.String("song", song.Key()),
				zap.Error(err))
			return nil, "", err
		}
		switch res {
		case knowledge.AppendAdded:
			telemetry.StoreAppends.WithLabelValues("added").Inc()
		case knowledge.AppendDuplicate:
			telemetry.StoreAppends.WithLabelValues("duplicate").Inc()
		}
		accepted = append(accepted, song)
	}

	return d.memory.FilterNew(task.SessionID, accepted), text, nil
}

func (d *Dispatcher) deliver(task *Task, cb delivery.Callback) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryGrace)
	defer cancel()
	if err := d.deliverer.Deliver(ctx, cb); err != nil {
		telemetry.Deliveries.WithLabelValues("failed").Inc()
		d.logger.Error("callback delivery failed",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	telemetry.Deliveries.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) finish(task *Task, at time.Time) {
	out := Outcome{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		State:      task.State,
		Songs:      len(task.Songs),
		Elapsed:    at.Sub(task.SubmittedAt),
		FinishedAt: at,
		Err:        task.Err,
	}
	d.recentMu.Lock()
	if d.cfg.RecentTasks > 0 {
		if len(d.recent) < d.cfg.RecentTasks {
			d.recent = append(d.recent, out)
		} else {
			d.recent[d.recentAt] = out
			d.recentAt = (d.recentAt + 1) % d.cfg.RecentTasks
		}
	}
	d.recentMu.Unlock()
}

// Recent returns the most recent task outcomes, newest last.
func (d *Dispatcher) Recent() []Outcome {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	out := make([]Outcome, 0, len(d.recent))
	out = append(out, d.recent[d.recentAt:]...)
	out = append(out, d.recent[:d.recentAt]...)
	return out
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Expired      int64 `json:"expired"`
	RejectedBusy int64 `json:"rejected_busy"`
	QueueDepth   int   `json:"queue_depth"`
	Workers      int   `json:"workers"`
}

// Stats returns current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:    d.submitted.Load(),
		Completed:    d.completed.Load(),
		Failed:       d.failed.Load(),
		Expired:      d.expired.Load(),
		RejectedBusy: d.rejected.Load(),
		QueueDepth:   len(d.queue),
		Workers:      d.cfg.Workers,
	}
}

// composeReply renders the numbered song list the callback carries. When
// the fallback produced its own blurb it leads the reply; knowledge store
// hits get a plain local header and never need a collaborator round trip.
func composeReply(blurb string, songs []knowledge.Song) string {
	var b strings.Builder
	if blurb != "" {
		b.WriteString(strings.TrimSpace(blurb))
	} else {
		b.WriteString("Here's what I found for you:")
	}
	for i, s := range songs {
		b.WriteString(fmt.Sprintf("\n%d. %s - %s", i+1, s.Title, s.Artist))
		if s.Album != "" {
			b.WriteString(fmt.Sprintf(" (%s", s.Album))
			if s.Year > 0 {
				b.WriteString(fmt.Sprintf(", %d", s.Year))
			}
			b.WriteString(")")
		} else if s.Year > 0 {
			b.WriteString(fmt.Sprintf(" (%d)", s.Year))
		}
	}
	return b.String()
}

// excludedTitles turns delivered-song keys back into title strings for the
// generator's exclusion prompt.
func excludedTitles(keys []string) []string {
	titles := make([]string, 0, len(keys))
	for _, key := range keys {
		title, _, _ := strings.Cut(key, "||")
		if title != "" {
			titles = append(titles, title)
		}
	}
	return titles
}
