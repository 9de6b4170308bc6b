// Package upload runs the bounded upload queue of a bucket browser.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const (
	// DefaultConcurrency is how many items upload at once.
	DefaultConcurrency = 4

	realProgressCap = 95
	simulatedCap    = 99
	largeFile       = 1 << 30
)

var (
	ErrItemNotFound = errors.New("upload not found")
	ErrNotFailed    = errors.New("only failed uploads can be retried")
)

// Status of an upload item.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// Item is the public view of a queued file.
type Item struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// State is the pipeline state. Exactly one holds at a time.
type State int

const (
	Idle State = iota
	Refreshing
	Dispatching
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Dispatching:
		return "dispatching"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// nextState is the single transition function of the pipeline.
func nextState(refreshing bool, uploading, waiting, limit int) State {
	switch {
	case refreshing:
		return Refreshing
	case waiting > 0 && uploading < limit:
		return Dispatching
	case uploading > 0:
		return Draining
	}
	return Idle
}

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
}

// TokenGate is consulted before each dispatch pass.
type TokenGate interface {
	Due() bool
	Ensure(ctx context.Context) error
}

// Options configure a Manager.
type Options struct {
	Concurrency int
	// BytesPerSecond caps each upload's read rate. Zero is unlimited.
	BytesPerSecond int64
	Clock          clock.WithTicker
	// OnComplete runs after an item uploads successfully.
	OnComplete func(Item)
}

type entry struct {
	Item
	file    File
	cancel  context.CancelFunc
	done    chan struct{}
	removed bool
}

// Manager owns the shared item list. A single dispatcher goroutine
// promotes waiting items in FIFO order.
type Manager struct {
	mu         sync.Mutex
	items      []*entry
	refreshing bool
	changed    chan struct{}

	uploader Uploader
	gate     TokenGate
	opts     Options
	log      zerolog.Logger

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager starts the dispatcher. gate may be nil.
func NewManager(uploader Uploader, gate TokenGate, opts Options, log zerolog.Logger) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		uploader: uploader,
		gate:     gate,
		opts:     opts,
		log:      log.With().Str("component", "upload").Logger(),
		changed:  make(chan struct{}),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// Enqueue appends files under prefix as waiting items.
func (m *Manager) Enqueue(prefix string, files []File) []Item {
	now := m.opts.Clock.Now()
	out := make([]Item, 0, len(files))

	m.mu.Lock()
	for _, f := range files {
		e := &entry{
			Item: Item{
				ID:       uuid.NewString(),
				Name:     f.Name,
				Key:      prefix + f.Name,
				Size:     f.Size,
				Status:   StatusWaiting,
				QueuedAt: now,
			},
			file: f,
		}
		m.items = append(m.items, e)
		out = append(out, e.Item)
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.log.Debug().Int("files", len(files)).Str("prefix", prefix).Msg("queued uploads")
	m.poke()
	return out
}

// Items returns the queue in order.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.items))
	for i, e := range m.items {
		out[i] = e.Item
	}
	return out
}

// Get returns one item.
func (m *Manager) Get(id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, e := m.findLocked(id); e != nil {
		return e.Item, nil
	}
	return Item{}, ErrItemNotFound
}

// State returns the current pipeline state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// IsUploading reports whether any item is in flight.
func (m *Manager) IsUploading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploading, _ := m.countsLocked()
	return uploading > 0
}

// IsQueueFull reports whether every upload slot is taken.
func (m *Manager) IsQueueFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploading, _ := m.countsLocked()
	return uploading >= m.opts.Concurrency
}

// IsTokenRefreshing reports whether dispatch is held for a token refresh.
func (m *Manager) IsTokenRefreshing() bool {
	return m.State() == Refreshing
}

// Remove dismisses an item, cancelling its request if it is in flight.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	i, e := m.findLocked(id)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	e.removed = true
	inFlight := e.cancel != nil
	if inFlight {
		e.cancel()
		e.cancel = nil
	}
	m.items = append(m.items[:i], m.items[i+1:]...)
	m.notifyLocked()
	m.mu.Unlock()

	if !inFlight {
		release(e.file)
	}
	m.poke()
	return nil
}

// Retry puts a failed item back at the tail of the queue.
func (m *Manager) Retry(id string) (Item, error) {
	m.mu.Lock()
	i, e := m.findLocked(id)
	if e == nil {
		m.mu.Unlock()
		return Item{}, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	if e.Status != StatusFailed {
		m.mu.Unlock()
		return Item{}, fmt.Errorf("retry %s (%s): %w", id, e.Status, ErrNotFailed)
	}
	e.Status = StatusWaiting
	e.Progress = 0
	e.Error = ""
	e.QueuedAt = m.opts.Clock.Now()
	m.items = append(append(m.items[:i], m.items[i+1:]...), e)
	item := e.Item
	m.notifyLocked()
	m.mu.Unlock()

	m.poke()
	return item, nil
}

// ClearFinished drops uploaded items from the list.
func (m *Manager) ClearFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	n := 0
	for _, e := range m.items {
		if e.Status == StatusUploaded {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.items = kept
	if n > 0 {
		m.notifyLocked()
	}
	return n
}

// Wait blocks until nothing is waiting or uploading.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		st := m.stateLocked()
		ch := m.changed
		m.mu.Unlock()
		if st == Idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Shutdown cancels every upload and stops the dispatcher.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) poke() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			m.dispatch()
		}
	}
}

// dispatch runs one pass: refresh the token if it is due, then promote
// waiting items until the slots are full.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.stateLocked() != Dispatching {
		m.mu.Unlock()
		return
	}
	if m.gate != nil && m.gate.Due() {
		m.refreshing = true
		m.notifyLocked()
		m.mu.Unlock()

		if err := m.gate.Ensure(m.ctx); err != nil {
			m.log.Warn().Err(err).Msg("token refresh before upload failed")
		}

		m.mu.Lock()
		m.refreshing = false
		m.notifyLocked()
	}
	for m.stateLocked() == Dispatching {
		m.startLocked(m.firstWaitingLocked())
	}
	m.mu.Unlock()
}

func (m *Manager) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(m.ctx)
	e.Status = StatusUploading
	e.Progress = 0
	e.cancel = cancel
	e.done = make(chan struct{})
	m.notifyLocked()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.run(ctx, e)
		m.finish(e, err)
	}()
}

func (m *Manager) run(ctx context.Context, e *entry) error {
	rc, err := e.file.Source.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Name, err)
	}
	defer rc.Close()

	var body io.Reader = &progressReader{
		r:      rc,
		total:  e.Size,
		report: func(read int64) { m.reportBytes(e, read) },
	}
	if n := m.opts.BytesPerSecond; n > 0 {
		body = ratelimit.Reader(body, ratelimit.NewBucketWithRate(float64(n), n))
	}
	return m.uploader.Upload(ctx, e.Key, body, e.Size)
}

func (m *Manager) finish(e *entry, err error) {
	m.mu.Lock()
	close(e.done)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.removed {
		m.mu.Unlock()
		release(e.file)
		m.poke()
		return
	}
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
		m.log.Error().Err(err).Str("key", e.Key).Msg("upload failed")
	} else {
		e.Status = StatusUploaded
		e.Progress = 100
		m.log.Info().Str("key", e.Key).Int64("size", e.Size).Msg("upload complete")
	}
	item := e.Item
	m.notifyLocked()
	m.mu.Unlock()

	m.poke()
	if err != nil {
		return
	}
	release(e.file)
	if m.opts.OnComplete != nil {
		m.opts.OnComplete(item)
	}
}

// reportBytes maps real progress onto 0..95 and starts the trailing
// simulation once it gets there.
func (m *Manager) reportBytes(e *entry, read int64) {
	if e.Size <= 0 {
		return
	}
	pct := int(read * realProgressCap / e.Size)
	if pct > realProgressCap {
		pct = realProgressCap
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status != StatusUploading || pct <= e.Progress {
		return
	}
	e.Progress = pct
	m.notifyLocked()
	if pct == realProgressCap {
		m.simulateLocked(e)
	}
}

// simulateLocked advances progress by one point per tick up to 99 while
// the server finishes the upload.
func (m *Manager) simulateLocked(e *entry) {
	interval := 12 * time.Second
	if e.Size >= largeFile {
		interval = 20 * time.Second
	}
	ticker := m.opts.Clock.NewTicker(interval)
	done := e.done

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C():
				m.mu.Lock()
				if e.Status == StatusUploading && e.Progress < simulatedCap {
					e.Progress++
					m.notifyLocked()
				}
				m.mu.Unlock()
			}
		}
	}()
}

func (m *Manager) stateLocked() State {
	uploading, waiting := m.countsLocked()
	return nextState(m.refreshing, uploading, waiting, m.opts.Concurrency)
}

func (m *Manager) countsLocked() (uploading, waiting int) {
	for _, e := range m.items {
		switch e.Status {
		case StatusUploading:
			uploading++
		case StatusWaiting:
			waiting++
		}
	}
	return uploading, waiting
}

func (m *Manager) firstWaitingLocked() *entry {
	for _, e := range m.items {
		if e.Status == StatusWaiting {
			return e
		}
	}
	return nil
}

func (m *Manager) findLocked(id string) (int, *entry) {
	for i, e := range m.items {
		if e.ID == id {
			return i, e
		}
	}
	return -1, nil
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.report(p.read)
	}
	return n, err
}
