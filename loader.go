package beatsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Load order for the selected date: memory cache, then saved snapshot,
// then the device store, then the network. Every tier below memory is
// validated against the requested date before being trusted, and a tier
// that fails or mismatches falls through to the next one. Loading today
// always ends with the server consulted, in the background when a lower
// tier already produced state.

// Load populates the working set for the selected date. Safe to call
// repeatedly; once state is loaded for the date, subsequent calls only
// re-check freshness.
func (s *Session) Load(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.RLock()
	date := s.date
	loaded := s.loaded
	s.mu.RUnlock()

	if loaded {
		s.maybeRefreshStale(date, s.clock.Now())
		return nil
	}
	return s.loadDate(ctx, date)
}

// SetDate selects a date and loads it. Selecting the already-loaded date
// is a no-op. The working set is reset before the new date loads; cache
// entries for other dates are kept so navigating back serves from memory,
// and are only removed by invalidation.
func (s *Session) SetDate(ctx context.Context, date string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}

	s.mu.Lock()
	if s.date == date && s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.date = date
	s.state = DayState{}
	s.loaded = false
	s.mu.Unlock()

	return s.loadDate(ctx, date)
}

func (s *Session) loadDate(ctx context.Context, date string) error {
	now := s.clock.Now()
	isToday := date == today(s.clock)

	// Tier 1: memory. A hit still re-checks the server in the background:
	// forced when today's entry is stale, otherwise subject to the sync
	// interval throttle.
	if state, filledAt, ok := s.cache.Get(s.userID, date); ok {
		if s.setLoadedState(date, state, "memory") {
			if isToday && now.Sub(filledAt) > s.config.Cache.StaleAfter.Std() {
				s.RefreshAsync(true)
			} else {
				s.RefreshAsync(false)
			}
			return nil
		}
		return nil
	}

	// Tier 2: snapshot, with the off-device backup as a fallback copy.
	if state, ok := s.loadSnapshotTier(ctx, date, true); ok {
		if s.setLoadedState(date, state, "snapshot") {
			s.RefreshAsync(isToday)
		}
		return nil
	}

	// Tier 3: device store.
	if state := loadLocalScoped(ctx, s.local, s.userID, date, s.logger); state != nil {
		if s.setLoadedState(date, *state, "local") {
			s.RefreshAsync(isToday)
		}
		return nil
	}

	// Tier 4: network. Cold start; nothing cached anywhere.
	syncCtx, cancel := context.WithTimeout(ctx, syncBudget(s.config.Sync))
	defer cancel()
	err := s.syncDate(syncCtx, date, true)
	if err == nil {
		s.recordLoadSource("network")
		return nil
	}
	if isExpectedSyncSkip(err) {
		// Offline cold start renders an empty day; a later connectivity or
		// foreground event refreshes it.
		s.logger.Info("cold start without network, rendering empty day", "date", date, "reason", err)
		s.setLoadedState(date, DayState{}, "empty")
		return nil
	}
	return err
}

// loadSnapshotTier reads the local snapshot, falling back to the S3 backup
// when the device has none and the caller allows the network. Snapshots
// failing date validation are discarded, never partially used.
func (s *Session) loadSnapshotTier(ctx context.Context, date string, useBackup bool) (DayState, bool) {
	snap, err := s.snaps.Load(ctx, s.userID, date)
	if errors.Is(err, ErrSnapshotNotFound) && useBackup && s.backup != nil && s.conn.Online() {
		snap, err = s.backup.Restore(ctx, s.userID, date)
	}
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			s.logger.Warn("snapshot load failed", "date", date, "err", err)
		}
		return DayState{}, false
	}
	if !validSnapshotFor(snap, date) {
		s.logger.Warn("discarding snapshot with mismatched dates", "date", date, "snapshot_date", snap.Date)
		return DayState{}, false
	}

	state := stateFromSnapshot(snap)

	// Offline retailers created after the snapshot was saved live only in
	// the device store. Merge them in so they are not invisible until the
	// next sync.
	candidates := localRetailers(ctx, s.local, s.logger)
	if extra := offlineRetailersFor(candidates, state.BeatPlans, state.Retailers); len(extra) > 0 {
		state.Retailers = mergeRetailersByID(state.Retailers, extra)
	}

	return state, true
}

// maybeRefreshStale re-checks freshness for an already-loaded date.
func (s *Session) maybeRefreshStale(date string, now time.Time) {
	if date != today(s.clock) {
		return
	}
	if _, filledAt, ok := s.cache.Get(s.userID, date); ok && now.Sub(filledAt) <= s.config.Cache.StaleAfter.Std() {
		return
	}
	s.RefreshAsync(true)
}
