package beatsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Sync semantics. One round fetches the selected date's server records,
// classifies them against the working set, and merges:
//
//   - beat plans and orders merge by diff, so an unchanged record never
//     churns downstream consumers;
//   - visits are replaced wholesale with the server set, because visit
//     status transitions server-side (check-ins, verifications) and a
//     client-side merge would resurrect superseded statuses. Optimistic
//     temp visits without a server counterpart survive the replacement;
//   - retailers are recomputed from the merged plans, visits, and orders
//     under the inclusion rule, which drops anything cached that no longer
//     belongs to the date;
//   - points are rebuilt wholesale from the ledger.
//
// A round is dropped without side effects when the device is offline,
// another round is in flight, or the same date synced within MinInterval
// (unless forced). Results for a date the session has navigated away from
// are discarded.

// Refresh reconciles the selected date with the server. force bypasses
// interval throttling. Blocking; most callers want RefreshAsync.
func (s *Session) Refresh(ctx context.Context, force bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.syncDate(ctx, s.currentDate(), force)
}

// RefreshAsync runs Refresh in the background. Expected drop reasons
// (offline, in flight, throttled, stale date) are logged at debug level;
// real failures at warn.
func (s *Session) RefreshAsync(force bool) {
	date := s.currentDate()
	s.background(func(ctx context.Context) {
		if err := s.syncDate(ctx, date, force); err != nil {
			if isExpectedSyncSkip(err) {
				s.logger.Debug("sync skipped", "date", date, "reason", err)
				return
			}
			s.logger.Warn("background sync failed", "date", date, "err", err)
		}
	})
}

func isExpectedSyncSkip(err error) bool {
	return errors.Is(err, ErrOffline) ||
		errors.Is(err, ErrSyncInFlight) ||
		errors.Is(err, ErrSyncThrottled) ||
		errors.Is(err, ErrStaleDate)
}

func (s *Session) syncDate(ctx context.Context, date string, force bool) error {
	if !s.conn.Online() {
		return ErrOffline
	}
	if !s.syncing.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer s.syncing.Store(false)

	if !force && s.withinThrottle(date) {
		return ErrSyncThrottled
	}

	started := s.clock.Now()
	fetched, err := s.fetchDay(ctx, date)
	if err != nil {
		s.recordSyncFailure()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.logger.Debug("sync fetch abandoned", "date", date, "err", err)
			return newSyncError(SyncPhaseFetch, s.userID, date, "fetch timed out", err)
		}
		return newSyncError(SyncPhaseFetch, s.userID, date, "fetch failed", err)
	}

	// The user may have navigated away while the fetch ran. Results for
	// the old date must not overwrite the new date's state.
	if s.currentDate() != date {
		s.logger.Debug("discarding sync results for stale date", "fetched", date, "selected", s.currentDate())
		return newSyncError(SyncPhaseApply, s.userID, date, "selected date changed during sync", ErrStaleDate)
	}

	state, changed, err := s.applyFetched(date, fetched)
	if err != nil {
		s.recordSyncFailure()
		return newSyncError(SyncPhaseApply, s.userID, date, "merge aborted", err)
	}

	s.markSynced(date)
	s.persistAfterSync(date, state)

	duration := s.clock.Now().Sub(started)
	s.logger.Info("sync complete", "date", date, "changed", changed,
		"visits", len(state.Visits), "retailers", len(state.Retailers), "duration", duration)

	s.bus.Publish(SyncCompletedEvent{
		UserID:     s.userID,
		Date:       date,
		Changed:    changed,
		Duration:   duration,
		FinishedAt: s.clock.Now(),
	})
	s.publishStateUpdated(date, state)
	return nil
}

// fetchedDay is one sync round's server snapshot.
type fetchedDay struct {
	plans     []BeatPlan
	visits    []Visit
	orders    []Order
	points    []PointsEntry
	retailers []Retailer
}

// fetchDay pulls the date's records concurrently under the fetch timeout.
// On expiry the round is abandoned and the last good state kept.
func (s *Session) fetchDay(ctx context.Context, date string) (*fetchedDay, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Sync.FetchTimeout.Std())
	defer cancel()

	var (
		fetched fetchedDay
		mu      sync.Mutex
		wg      sync.WaitGroup
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		plans, err := s.remote.BeatPlans(ctx, s.userID, date)
		fetched.plans = plans
		record(err)
	}()
	go func() {
		defer wg.Done()
		visits, err := s.remote.Visits(ctx, s.userID, date)
		fetched.visits = visits
		record(err)
	}()
	go func() {
		defer wg.Done()
		orders, err := s.remote.ConfirmedOrders(ctx, s.userID, date)
		fetched.orders = orders
		record(err)
	}()
	go func() {
		defer wg.Done()
		points, err := s.remote.PointsLedger(ctx, s.userID, date)
		fetched.points = points
		record(err)
	}()
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Retailers depend on what the other fetches referenced: the planned
	// beats' rosters plus anything a visit, order, or explicit plan list
	// names directly (covers retailers visited outside their beat's plan).
	beats := plannedBeatIDs(fetched.plans)
	beatIDs := make([]string, 0, len(beats))
	for id := range beats {
		beatIDs = append(beatIDs, id)
	}
	referenced := referencedRetailerIDs(fetched.plans, fetched.visits, fetched.orders)
	refIDs := make([]string, 0, len(referenced))
	for id := range referenced {
		if !IsOfflineRetailerID(id) {
			refIDs = append(refIDs, id)
		}
	}

	byBeat, err := s.remote.RetailersByBeat(ctx, s.userID, beatIDs)
	if err != nil {
		return nil, err
	}
	byID, err := s.remote.RetailersByID(ctx, refIDs)
	if err != nil {
		return nil, err
	}
	fetched.retailers = mergeRetailersByID(byBeat, byID)

	return &fetched, nil
}

// applyFetched merges the server snapshot into the working set.
func (s *Session) applyFetched(date string, fetched *fetchedDay) (DayState, bool, error) {
	s.mu.Lock()

	if s.date != date {
		s.mu.Unlock()
		return DayState{}, false, ErrStaleDate
	}
	prior := s.state

	planDiff := Diff(prior.BeatPlans, fetched.plans)
	plans := applyDiff(prior.BeatPlans, planDiff)

	visits := reconcileVisits(prior.Visits, fetched.visits)

	orderDiff := Diff(prior.Orders, fetched.orders)
	orders := applyDiff(prior.Orders, orderDiff)

	// Server roster plus offline-created retailers the server cannot know
	// about yet, filtered under the inclusion rule.
	offline := offlineRetailersFor(prior.Retailers, plans, fetched.retailers)
	retailers := scopeRetailers(append(fetched.retailers, offline...), plans, visits, orders)

	points := buildPointsData(fetched.points)

	changed := !planDiff.Empty() || !orderDiff.Empty() ||
		!visitSetsEqual(prior.Visits, visits) ||
		len(prior.Retailers) != len(retailers) ||
		prior.Points.Total != points.Total

	state := DayState{
		BeatPlans: plans,
		Visits:    visits,
		Retailers: retailers,
		Orders:    orders,
		Points:    points,
	}
	s.state = state
	s.loaded = true
	s.mu.Unlock()

	s.cache.Put(s.userID, date, state, s.clock.Now())
	return state, changed, nil
}

// reconcileVisits replaces the working set with the server's visit set.
// Temp visits whose retailer the server already has a visit for are
// superseded (the server row carries the authoritative status and id);
// temp visits the server has not seen yet survive the replacement.
func reconcileVisits(existing, incoming []Visit) []Visit {
	out := append([]Visit(nil), incoming...)

	covered := make(map[string]bool, len(incoming))
	for _, v := range incoming {
		covered[v.RetailerID] = true
	}
	for _, v := range existing {
		if IsTempVisitID(v.ID) && !covered[v.RetailerID] {
			out = append(out, v)
		}
	}
	return out
}

// visitSetsEqual compares two visit sets by id and fingerprint.
func visitSetsEqual(a, b []Visit) bool {
	if len(a) != len(b) {
		return false
	}
	prints := make(map[string]string, len(a))
	for _, v := range a {
		prints[v.ID] = v.Fingerprint()
	}
	for _, v := range b {
		p, ok := prints[v.ID]
		if !ok || p != v.Fingerprint() {
			return false
		}
	}
	return true
}

// persistAfterSync writes the merged state to the device store and the
// snapshot tiers off the caller's path. Failures are logged; in-memory
// state is already committed and stays authoritative.
func (s *Session) persistAfterSync(date string, state DayState) {
	snap := snapshotFromState(s.userID, date, state, s.clock)
	s.background(func(ctx context.Context) {
		persistState(ctx, s.local, state, s.logger)
		if err := s.local.SetSyncMetadata(ctx, "day_sync", s.userID, date); err != nil {
			s.logger.Warn("sync metadata write failed", "date", date, "err", err)
		}
		if err := s.snaps.Save(ctx, snap); err != nil {
			s.logger.Warn("snapshot save failed", "date", date, "err", err)
		}
		if s.backup != nil {
			if err := s.backup.Backup(ctx, snap); err != nil {
				s.logger.Warn("snapshot backup failed", "date", date, "err", err)
			}
		}
	})
}

func (s *Session) withinThrottle(date string) bool {
	s.throttle.Lock()
	defer s.throttle.Unlock()
	last, ok := s.throttle.last[date]
	return ok && s.clock.Now().Sub(last) < s.config.Sync.MinInterval.Std()
}

func (s *Session) markSynced(date string) {
	now := s.clock.Now()
	s.throttle.Lock()
	s.throttle.last[date] = now
	s.throttle.Unlock()

	s.stats.Lock()
	s.stats.rounds++
	s.stats.lastSyncAt = now
	s.stats.Unlock()
}

func (s *Session) recordSyncFailure() {
	s.stats.Lock()
	s.stats.failures++
	s.stats.Unlock()
}

// syncBudget is the context allowance for a foreground (blocking) sync.
// Slightly above the fetch timeout so apply and bookkeeping fit.
func syncBudget(cfg SyncConfig) time.Duration {
	return cfg.FetchTimeout.Std() + 2*time.Second
}
