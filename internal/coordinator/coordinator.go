// Package coordinator implements the per-session actor that keeps one
// collaborative agent session consistent across its clients and its
// sandbox worker. Every state change runs on a single goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/logging"
	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/spawner"
	"github.com/workspace/session-coordinator/internal/telemetry"
	"github.com/workspace/session-coordinator/internal/transport"
)

var (
	// ErrArchived is returned for writes against an archived session.
	ErrArchived = errors.New("session archived")
	// ErrNotInitialized is returned before the session row exists.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrStopped is returned once the actor has shut down.
	ErrStopped = errors.New("coordinator stopped")
	// ErrUnknownMessage is returned when a sandbox references a missing message.
	ErrUnknownMessage = errors.New("unknown message")
)

const mailboxSize = 64

// Config wires a coordinator to its store and collaborators.
type Config struct {
	SessionID string
	Store     *persistence.Store
	// Conns lists the live connections the runtime holds for this session.
	// It is consulted to rehydrate the sandbox after a restart.
	Conns func() []transport.Conn

	SandboxValidator auth.Validator
	ClientValidator  auth.Validator
	Spawner          spawner.Spawner

	SubscribeTimeout    time.Duration
	SpawnTimeout        time.Duration
	HistoryMessageLimit int
	HistoryEventLimit   int
	OnlineWindow        time.Duration
	DefaultModel        string

	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

func (cfg *Config) applyDefaults() {
	if cfg.Conns == nil {
		cfg.Conns = func() []transport.Conn { return nil }
	}
	if cfg.Spawner == nil {
		cfg.Spawner = spawner.Func(func(context.Context, spawner.Request) error {
			return spawner.ErrNotConfigured
		})
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 30 * time.Second
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 30 * time.Second
	}
	if cfg.HistoryMessageLimit <= 0 {
		cfg.HistoryMessageLimit = 100
	}
	if cfg.HistoryEventLimit <= 0 {
		cfg.HistoryEventLimit = 500
	}
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = 2 * time.Minute
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(telemetry.ScopeName)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ForSession(cfg.SessionID)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
}

// Coordinator is the single-threaded actor for one session. Fields below
// the mailbox are owned by the actor goroutine.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mailbox    chan func()
	quit       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	lastActive atomic.Int64

	clients      map[string]*client
	orphans      map[string]bool
	graceTimers  map[string]*time.Timer
	sandbox      transport.Conn
	sandboxEpoch int64
	queue        *pendingQueue
	spawning     bool
	archived     bool
}

// Stats is a point-in-time summary used by the runtime for eviction.
type Stats struct {
	Clients    int       `json:"clients"`
	Sandbox    bool      `json:"sandbox"`
	Pending    int       `json:"pending"`
	Spawning   bool      `json:"spawning"`
	LastActive time.Time `json:"lastActive"`
}

// New creates a coordinator and starts its actor goroutine. The pending
// queue is rebuilt from persisted pending messages, so prompts queued before
// a restart are delivered at least once.
func New(cfg Config) (*Coordinator, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("coordinator: session id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator: store is required")
	}
	if cfg.SandboxValidator == nil || cfg.ClientValidator == nil {
		return nil, fmt.Errorf("coordinator: token validators are required")
	}
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:         cfg,
		log:         cfg.Logger,
		mailbox:     make(chan func(), mailboxSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		clients:     make(map[string]*client),
		orphans:     make(map[string]bool),
		graceTimers: make(map[string]*time.Timer),
		queue:       newPendingQueue(),
	}
	c.touch()

	if err := c.rebuild(); err != nil {
		return nil, err
	}

	go c.run()
	return c, nil
}

// rebuild restores in-memory state from the store and the live connections.
func (c *Coordinator) rebuild() error {
	sess, err := c.cfg.Store.GetSession()
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	c.archived = sess.Status == persistence.SessionArchived

	pending, err := c.cfg.Store.ListMessages(persistence.MessageFilter{
		Status: persistence.MessagePending,
		Role:   persistence.RoleUser,
	}, 0, 0)
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	for _, m := range pending {
		c.queue.add(entryFromMessage(m))
	}

	orphans := 0
	for _, conn := range c.cfg.Conns() {
		if _, ok := sandboxTagOf(conn); ok {
			continue
		}
		c.orphans[conn.ID()] = true
		c.startGraceTimer(conn)
		orphans++
	}

	// A spawn in flight belonged to the previous actor and its result is
	// lost; leaving warming behind would suppress every later spawn.
	if !c.archived && sess.SandboxStatus == persistence.SandboxWarming && c.resolveSandbox() == nil {
		if err := c.setSandboxStatus(persistence.SandboxStopped, ""); err != nil {
			c.log.Warn("Failed to reset warming sandbox", "error", err)
		} else {
			c.log.Info("Reset warming sandbox left by a previous coordinator")
		}
	}

	if len(pending) > 0 || orphans > 0 {
		c.log.Info("Coordinator rebuilt from store",
			"pending", len(pending), "orphanedConnections", orphans)
	}
	return nil
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.mailbox:
			c.invoke(fn)
			c.touch()
		case <-c.quit:
			return
		}
	}
}

// invoke runs fn, containing any panic so one bad frame cannot kill the actor.
func (c *Coordinator) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Coordinator handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// exec runs fn on the actor goroutine and waits for it to finish.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case c.mailbox <- wrapped:
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// post enqueues fn without waiting. It must not be called from the actor
// goroutine.
func (c *Coordinator) post(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.quit:
	}
}

func (c *Coordinator) touch() {
	c.lastActive.Store(c.cfg.Now().UnixNano())
}

// SessionID returns the session this coordinator owns.
func (c *Coordinator) SessionID() string { return c.cfg.SessionID }

// LastActive returns when the actor last processed work.
func (c *Coordinator) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Stats returns a summary of the actor's in-memory state.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.exec(ctx, func() {
		s = Stats{
			Clients:  len(c.clients),
			Sandbox:  c.sandbox != nil,
			Pending:  c.queue.len(),
			Spawning: c.spawning,
		}
	})
	s.LastActive = c.LastActive()
	return s, err
}

// Shutdown stops the actor. In-memory state is discarded; the store and the
// live connections are left untouched.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.quit)
		<-c.stopped
		for id, t := range c.graceTimers {
			t.Stop()
			delete(c.graceTimers, id)
		}
	})
}

func (c *Coordinator) now() time.Time {
	return c.cfg.Now()
}

// session loads the session row, mapping absence to ErrNotInitialized.
func (c *Coordinator) session() (persistence.Session, error) {
	sess, err := c.cfg.Store.GetSession()
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Session{}, ErrNotInitialized
	}
	return sess, err
}
