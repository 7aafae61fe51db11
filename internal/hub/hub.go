// Package hub routes session ids to their coordinators. Coordinators are
// created on first use with their own SQLite file and can be evicted at any
// time; the live sockets of a session are tracked here so a recreated
// coordinator can find them again.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/logging"
	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/telemetry"
	"github.com/workspace/session-coordinator/internal/transport"
)

var (
	// ErrInvalidSessionID is returned for ids that cannot name a store file.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hub closed")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is an acceptable session id.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Config configures a Hub.
type Config struct {
	DataDir string
	// Coordinator is the template for every coordinator. SessionID, Store,
	// Conns and Logger are filled in per session.
	Coordinator coordinator.Config
	IdleTimeout time.Duration
	// EvictionSchedule is a robfig/cron schedule for the idle sweep. Empty
	// disables the sweep.
	EvictionSchedule string
	Metrics          *telemetry.Metrics
	Logger           *slog.Logger
	Now              func() time.Time
}

type resident struct {
	coord *coordinator.Coordinator
	store *persistence.Store
	// users counts hub operations running against coord. Guarded by Hub.mu.
	users int
}

// Hub is the keyed registry of resident coordinators.
type Hub struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	residents map[string]*resident
	closed    bool

	liveMu sync.RWMutex
	live   map[string]map[string]transport.Conn

	cron *cron.Cron
}

// New creates a hub and makes sure the data directory exists.
func New(cfg Config) (*Hub, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("hub: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}

	return &Hub{
		cfg:       cfg,
		log:       cfg.Logger,
		residents: make(map[string]*resident),
		live:      make(map[string]map[string]transport.Conn),
	}, nil
}

// Start schedules the idle sweep.
func (h *Hub) Start() error {
	if h.cfg.EvictionSchedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(h.cfg.EvictionSchedule, func() {
		if n := h.SweepIdle(context.Background()); n > 0 {
			h.log.Info("Evicted idle coordinators", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule idle sweep %q: %w", h.cfg.EvictionSchedule, err)
	}
	c.Start()
	h.cron = c
	return nil
}

// Session returns the coordinator for id, creating it if necessary.
func (h *Hub) Session(id string) (*coordinator.Coordinator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.residentLocked(id)
	if err != nil {
		return nil, err
	}
	return r.coord, nil
}

// acquire is Session for hub operations: the resident is pinned until the
// matching done call.
func (h *Hub) acquire(id string) (*resident, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.residentLocked(id)
	if err != nil {
		return nil, err
	}
	r.users++
	return r, nil
}

// done unpins r. A session that was never initialized is released as soon
// as nothing uses it, so stray ids do not accumulate coordinators or files.
func (h *Hub) done(id string, r *resident) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.users--
	if r.users > 0 || h.residents[id] != r || h.LiveConnections(id) > 0 || initialized(r.store) {
		return
	}
	delete(h.residents, id)
	h.release(id, r)
	h.log.Debug("Released uninitialized session", "sessionId", id)
}

func (h *Hub) residentLocked(id string) (*resident, error) {
	if !ValidSessionID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	if h.closed {
		return nil, ErrClosed
	}
	if r, ok := h.residents[id]; ok {
		return r, nil
	}

	store, err := persistence.Open(h.storePath(id))
	if err != nil {
		return nil, fmt.Errorf("open store for session %s: %w", id, err)
	}

	cfg := h.cfg.Coordinator
	cfg.SessionID = id
	cfg.Store = store
	cfg.Conns = func() []transport.Conn { return h.liveConns(id) }
	cfg.Logger = logging.ForSession(id)
	if cfg.Metrics == nil {
		cfg.Metrics = h.cfg.Metrics
	}

	coord, err := coordinator.New(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start coordinator for session %s: %w", id, err)
	}

	r := &resident{coord: coord, store: store}
	h.residents[id] = r
	h.cfg.Metrics.SessionResident(1)
	h.log.Debug("Coordinator started", "sessionId", id)
	return r, nil
}

func (h *Hub) storePath(id string) string {
	return filepath.Join(h.cfg.DataDir, id+".db")
}

// Attach registers a new socket for a session.
func (h *Hub) Attach(ctx context.Context, sessionID string, conn transport.Conn) error {
	// The coordinator must exist before the socket is live, otherwise a
	// fresh coordinator would treat it as an orphan of a previous one.
	r, err := h.acquire(sessionID)
	if err != nil {
		return err
	}
	h.addLive(sessionID, conn)
	h.cfg.Metrics.ConnectionOpened(1)
	return h.withRetry(sessionID, r, func(c *coordinator.Coordinator) error {
		return c.HandleOpen(ctx, conn)
	})
}

// Dispatch hands one inbound frame to the session's coordinator.
func (h *Hub) Dispatch(ctx context.Context, sessionID string, conn transport.Conn, data []byte) error {
	r, err := h.acquire(sessionID)
	if err != nil {
		return err
	}
	return h.withRetry(sessionID, r, func(c *coordinator.Coordinator) error {
		return c.HandleMessage(ctx, conn, data)
	})
}

// Detach removes a terminated socket.
func (h *Hub) Detach(ctx context.Context, sessionID string, conn transport.Conn) error {
	if !h.removeLive(sessionID, conn.ID()) {
		return nil
	}
	h.cfg.Metrics.ConnectionOpened(-1)

	r, err := h.acquire(sessionID)
	if err != nil {
		return err
	}
	return h.withRetry(sessionID, r, func(c *coordinator.Coordinator) error {
		return c.HandleClose(ctx, conn)
	})
}

// Do runs fn against the session's coordinator, retrying once if the
// coordinator is evicted mid-call.
func (h *Hub) Do(sessionID string, fn func(*coordinator.Coordinator) error) error {
	r, err := h.acquire(sessionID)
	if err != nil {
		return err
	}
	return h.withRetry(sessionID, r, fn)
}

// withRetry runs fn on the acquired resident and retries once on a freshly
// created coordinator if the first one was evicted underneath the call.
// It releases r.
func (h *Hub) withRetry(sessionID string, r *resident, fn func(*coordinator.Coordinator) error) error {
	err := fn(r.coord)
	h.done(sessionID, r)
	if !errors.Is(err, coordinator.ErrStopped) {
		return err
	}
	r, err = h.acquire(sessionID)
	if err != nil {
		return err
	}
	defer h.done(sessionID, r)
	return fn(r.coord)
}

func (h *Hub) addLive(sessionID string, conn transport.Conn) {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	conns, ok := h.live[sessionID]
	if !ok {
		conns = make(map[string]transport.Conn)
		h.live[sessionID] = conns
	}
	conns[conn.ID()] = conn
}

func (h *Hub) removeLive(sessionID, connID string) bool {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	conns, ok := h.live[sessionID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.live, sessionID)
	}
	return true
}

func (h *Hub) liveConns(sessionID string) []transport.Conn {
	h.liveMu.RLock()
	defer h.liveMu.RUnlock()
	conns := h.live[sessionID]
	out := make([]transport.Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// LiveConnections returns the number of open sockets for a session.
func (h *Hub) LiveConnections(sessionID string) int {
	h.liveMu.RLock()
	defer h.liveMu.RUnlock()
	return len(h.live[sessionID])
}

// Evict drops a session's coordinator from memory. Its store is closed and
// its sockets stay open; the next operation recreates the coordinator.
func (h *Hub) Evict(sessionID string) bool {
	h.mu.Lock()
	r, ok := h.residents[sessionID]
	if ok {
		delete(h.residents, sessionID)
		h.release(sessionID, r)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.log.Info("Coordinator evicted", "sessionId", sessionID)
	return true
}

// release stops a resident that has already left the registry. h.mu must be
// held so no new store can be opened on the same file meanwhile. The file of
// a session that was never initialized is removed.
func (h *Hub) release(sessionID string, r *resident) {
	r.coord.Shutdown()
	blank := !initialized(r.store)
	if err := r.store.Close(); err != nil {
		h.log.Warn("Failed to close session store", "sessionId", sessionID, "error", err)
	}
	h.cfg.Metrics.SessionResident(-1)
	if blank {
		h.removeStore(sessionID)
	}
}

func (h *Hub) removeStore(sessionID string) {
	path := h.storePath(sessionID)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.log.Warn("Failed to remove session store", "sessionId", sessionID, "path", p, "error", err)
		}
	}
}

// initialized reports whether the store holds a session row. Read errors
// count as initialized so the file is kept.
func initialized(store *persistence.Store) bool {
	_, err := store.GetSession()
	return !errors.Is(err, persistence.ErrNotFound)
}

// Resident returns the ids of the coordinators currently in memory, sorted.
func (h *Hub) Resident() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.residents))
	for id := range h.residents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SweepIdle evicts coordinators that have been idle longer than the idle
// timeout and have no subscribed clients or spawn in flight. It returns the
// number evicted.
func (h *Hub) SweepIdle(ctx context.Context) int {
	h.mu.Lock()
	candidates := make(map[string]*coordinator.Coordinator, len(h.residents))
	for id, r := range h.residents {
		candidates[id] = r.coord
	}
	h.mu.Unlock()

	now := h.cfg.Now()
	evicted := 0
	for id, coord := range candidates {
		// Read before Stats, which counts as activity.
		idle := now.Sub(coord.LastActive())
		if idle < h.cfg.IdleTimeout {
			continue
		}
		stats, err := coord.Stats(ctx)
		if err != nil {
			continue
		}
		if stats.Clients > 0 || stats.Spawning {
			continue
		}
		if h.Evict(id) {
			evicted++
		}
	}
	return evicted
}

// Close stops the sweep and releases every coordinator.
func (h *Hub) Close() {
	if h.cron != nil {
		<-h.cron.Stop().Done()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, r := range h.residents {
		delete(h.residents, id)
		h.release(id, r)
	}
}
