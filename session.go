package beatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Session owns the working set for one field user. It resolves reads
// through a tiered fallback (memory, snapshot, device store, network),
// reconciles with the server in the background, and applies field activity
// optimistically so the app keeps working without connectivity.
//
// All exported methods are safe for concurrent use.
type Session struct {
	config Config
	logger *slog.Logger

	remote RemoteStore
	local  LocalStore
	snaps  SnapshotStore
	backup *S3SnapshotBackend
	cache  *SessionCache
	bus    *EventBus
	clock  Clock
	conn   Connectivity
	feed   *LiveFeed

	userID string

	mu     sync.RWMutex
	date   string
	state  DayState
	loaded bool

	syncing  atomic.Bool
	throttle struct {
		sync.Mutex
		last map[string]time.Time
	}

	stats struct {
		sync.Mutex
		rounds     uint64
		failures   uint64
		lastSyncAt time.Time
		lastSource string
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	ownsLocal bool
}

// SessionOptions configures a Session. Zero-valued fields fall back to
// defaults derived from Config.
type SessionOptions struct {
	// UserID identifies the field user. Required.
	UserID string

	// Date is the initially selected date in DateLayout form.
	// Defaults to today.
	Date string

	// Config tunes the engine. Zero values are backfilled with defaults.
	Config Config

	// Remote overrides the HTTP remote store. When nil, one is built from
	// Config.Remote (which then requires a BaseURL).
	Remote RemoteStore

	// HTTPClient is injected into the default remote store. Ignored when
	// Remote is set.
	HTTPClient HTTPDoer

	// Local overrides the device-local store. When nil, Config.Local.Path
	// selects SQLite, or an in-memory store if empty.
	Local LocalStore

	// Snapshots overrides the snapshot store. When nil, Config.Snapshot.Dir
	// selects file storage, or an in-memory store if empty.
	Snapshots SnapshotStore

	// Clock overrides the time source.
	Clock Clock

	// Connectivity overrides the connectivity probe.
	Connectivity Connectivity

	// Logger receives structured diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// NewSession creates a session for a user and wires its event handling.
// The selected date starts at today; call Load to populate state.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("session: user id is required")
	}

	cfg := opts.Config
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", opts.UserID)

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	conn := opts.Connectivity
	if conn == nil {
		conn = AlwaysOnline()
	}

	date := opts.Date
	if date == "" {
		date = today(clock)
	} else if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("session: invalid date %q: %w", date, err)
	}

	remote := opts.Remote
	if remote == nil {
		if cfg.Remote.BaseURL == "" {
			return nil, fmt.Errorf("session: remote base URL is required when no remote store is injected")
		}
		remote = NewHTTPRemoteStore(cfg.Remote, opts.HTTPClient)
	}

	local := opts.Local
	ownsLocal := false
	if local == nil {
		if cfg.Local.Path != "" {
			sq, err := NewSQLiteLocalStore(cfg.Local)
			if err != nil {
				return nil, err
			}
			local = sq
		} else {
			local = NewMemoryLocalStore()
		}
		ownsLocal = true
	}

	snaps := opts.Snapshots
	if snaps == nil {
		if cfg.Snapshot.Dir != "" {
			fs, err := NewFileSnapshotStore(cfg.Snapshot)
			if err != nil {
				if ownsLocal {
					local.Close()
				}
				return nil, err
			}
			snaps = fs
		} else {
			snaps = NewMemorySnapshotStore()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		config:    cfg,
		logger:    logger,
		remote:    remote,
		local:     local,
		snaps:     snaps,
		cache:     NewSessionCache(),
		bus:       NewEventBus(),
		clock:     clock,
		conn:      conn,
		userID:    opts.UserID,
		date:      date,
		ctx:       ctx,
		cancel:    cancel,
		ownsLocal: ownsLocal,
	}
	s.throttle.last = make(map[string]time.Time)

	if cfg.Snapshot.S3 != nil {
		backup, err := NewS3SnapshotBackend(ctx, *cfg.Snapshot.S3)
		if err != nil {
			cancel()
			if ownsLocal {
				local.Close()
			}
			return nil, err
		}
		s.backup = backup
	}

	s.bus.registerHandler(s.handleEvent)

	if cfg.LiveFeed.Enabled {
		s.feed = newLiveFeed(cfg.LiveFeed, s.bus, logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.feed.run(s.ctx)
		}()
	}

	return s, nil
}

// Close stops background work and releases stores the session owns.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.bus.Close()
	if s.ownsLocal {
		return s.local.Close()
	}
	return nil
}

// Events returns the session's event bus. Field activity is reported by
// publishing inbound events; consumers subscribe for outbound ones.
func (s *Session) Events() *EventBus {
	return s.bus
}

// UserID returns the session's user.
func (s *Session) UserID() string {
	return s.userID
}

// Date returns the currently selected date.
func (s *Session) Date() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.date
}

// State returns a copy of the current working set.
func (s *Session) State() DayState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Progress derives the current date's visit and order aggregates.
func (s *Session) Progress() ProgressStats {
	s.mu.RLock()
	state := s.state
	date := s.date
	s.mu.RUnlock()
	return CalculateProgress(state.Visits, state.Orders, state.Retailers, date)
}

// Points returns the current date's gamification summary.
func (s *Session) Points() PointsData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePointsData(s.state.Points)
}

// SessionStats reports session health counters.
type SessionStats struct {
	UserID         string     `json:"user_id"`
	Date           string     `json:"date"`
	Loaded         bool       `json:"loaded"`
	LastLoadSource string     `json:"last_load_source,omitempty"`
	SyncRounds     uint64     `json:"sync_rounds"`
	SyncFailures   uint64     `json:"sync_failures"`
	LastSyncAt     time.Time  `json:"last_sync_at"`
	Cache          CacheStats `json:"cache"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.RLock()
	date := s.date
	loaded := s.loaded
	s.mu.RUnlock()

	s.stats.Lock()
	defer s.stats.Unlock()
	return SessionStats{
		UserID:         s.userID,
		Date:           date,
		Loaded:         loaded,
		LastLoadSource: s.stats.lastSource,
		SyncRounds:     s.stats.rounds,
		SyncFailures:   s.stats.failures,
		LastSyncAt:     s.stats.lastSyncAt,
		Cache:          s.cache.Stats(),
	}
}

// currentDate returns the selected date under the state lock.
func (s *Session) currentDate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.date
}

// setLoadedState installs a tier's result as the working set, refusing to
// install when the selected date moved while the tier was being read.
func (s *Session) setLoadedState(date string, state DayState, source string) bool {
	s.mu.Lock()
	if s.date != date {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.loaded = true
	s.mu.Unlock()

	s.cache.Put(s.userID, date, state, s.clock.Now())
	s.recordLoadSource(source)
	s.publishStateUpdated(date, state)
	return true
}

func (s *Session) recordLoadSource(source string) {
	s.stats.Lock()
	s.stats.lastSource = source
	s.stats.Unlock()
}

func (s *Session) publishStateUpdated(date string, state DayState) {
	s.bus.Publish(StateUpdatedEvent{
		UserID: s.userID,
		Date:   date,
		Stats:  CalculateProgress(state.Visits, state.Orders, state.Retailers, date),
	})
}

// background runs fn on the session's work group with a bounded context.
func (s *Session) background(fn func(ctx context.Context)) {
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}
