package beatsync

import (
	"context"
)

// Inbound event handling. Field activity applies to the working set
// synchronously, before Publish returns, so the UI reads its own write
// immediately. Persistence follows off-path; a failed write never rolls
// the in-memory change back. Handlers always read the selected user and
// date at fire time, never a value captured when the event was built.

func (s *Session) handleEvent(event Event) {
	switch e := event.(type) {
	case StatusChangedEvent:
		s.applyStatusChange(e)
	case RetailerAddedEvent:
		s.applyRetailerAdded(e)
	case OrderUpsertedEvent:
		s.applyOrderUpserted(e)
	case DataInvalidatedEvent:
		s.invalidateData()
	case AppForegroundEvent:
		s.onForeground()
	case RemoteChangeEvent:
		s.onRemoteChange(e)
	}
}

// applyStatusChange records a visit outcome. Known visit ids update in
// place; unknown or missing ids attach to an existing visit for the
// retailer that date, or create a temp visit so the outcome survives
// until the server assigns a real id.
func (s *Session) applyStatusChange(e StatusChangedEvent) {
	now := s.clock.Now()

	s.mu.Lock()
	date := s.date
	visits := s.state.Visits

	idx := -1
	if e.VisitID != "" {
		for i, v := range visits {
			if v.ID == e.VisitID {
				idx = i
				break
			}
		}
	}
	if idx < 0 && e.RetailerID != "" {
		for i, v := range visits {
			if v.RetailerID == e.RetailerID && v.PlannedDate == date {
				idx = i
				break
			}
		}
	}

	var visit Visit
	if idx >= 0 {
		visit = visits[idx]
		visit.Status = e.Status
		visit.NoOrderReason = e.NoOrderReason
		visit.UpdatedAt = now
		visits = append([]Visit(nil), visits...)
		visits[idx] = visit
	} else {
		visit = Visit{
			ID:            NewTempVisitID(e.RetailerID, now),
			UserID:        s.userID,
			RetailerID:    e.RetailerID,
			PlannedDate:   date,
			Status:        e.Status,
			NoOrderReason: e.NoOrderReason,
			UpdatedAt:     now,
		}
		visits = append(append([]Visit(nil), s.state.Visits...), visit)
	}

	s.state.Visits = visits
	state := s.state.Clone()
	s.mu.Unlock()

	s.logger.Debug("visit status applied", "visit_id", visit.ID, "retailer_id", visit.RetailerID, "status", visit.Status)
	s.persistRecord(StoreVisits, visit.ID, visit)
	s.refreshSnapshot(date, state)
	s.cache.Put(s.userID, date, state, now)
	s.publishStateUpdated(date, state)
}

// applyRetailerAdded inserts a device-created retailer into the working
// set. An empty id gets an offline id; the record reconciles with the
// server copy on a later sync.
func (s *Session) applyRetailerAdded(e RetailerAddedEvent) {
	r := e.Retailer
	if r.ID == "" {
		r.ID = NewOfflineRetailerID()
	}
	if r.UserID == "" {
		r.UserID = s.userID
	}

	s.mu.Lock()
	date := s.date
	for _, existing := range s.state.Retailers {
		if existing.ID == r.ID {
			s.mu.Unlock()
			return
		}
	}
	s.state.Retailers = append(append([]Retailer(nil), s.state.Retailers...), r)
	state := s.state.Clone()
	s.mu.Unlock()

	s.logger.Debug("retailer added", "retailer_id", r.ID, "beat_id", r.BeatID)
	s.persistRecord(StoreRetailers, r.ID, r)
	s.refreshSnapshot(date, state)
	s.cache.Put(s.userID, date, state, s.clock.Now())
	s.publishStateUpdated(date, state)
}

// applyOrderUpserted records an order taken on the device. Only confirmed
// orders for the selected date enter the working set; everything is
// persisted locally regardless so no sale is lost to navigation.
func (s *Session) applyOrderUpserted(e OrderUpsertedEvent) {
	o := e.Order
	if o.UserID == "" {
		o.UserID = s.userID
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.clock.Now()
	}

	s.mu.Lock()
	date := s.date
	if o.OrderDate == date && o.Status == OrderStatusConfirmed {
		orders := append([]Order(nil), s.state.Orders...)
		replaced := false
		for i, existing := range orders {
			if existing.ID == o.ID {
				orders[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			orders = append(orders, o)
		}
		s.state.Orders = orders
	}
	state := s.state.Clone()
	s.mu.Unlock()

	s.logger.Debug("order upserted", "order_id", o.ID, "retailer_id", o.RetailerID, "amount", o.TotalAmount)
	s.persistRecord(StoreOrders, o.ID, o)
	s.refreshSnapshot(date, state)
	s.cache.Put(s.userID, date, state, s.clock.Now())
	s.publishStateUpdated(date, state)
}

// invalidateData drops the in-memory tiers and rebuilds the working set
// from the snapshot, falling back to the device store. The rebuild never
// touches the network; the snapshot stays fresh because every local write
// refreshes it.
func (s *Session) invalidateData() {
	s.mu.Lock()
	date := s.date
	s.state = DayState{}
	s.loaded = false
	s.mu.Unlock()

	s.cache.InvalidateUser(s.userID)
	s.logger.Info("cached data invalidated", "date", date)

	s.background(func(ctx context.Context) {
		s.rebuildFromDisk(ctx, date)
	})
}

// rebuildFromDisk restores the working set for a date from on-device
// sources only.
func (s *Session) rebuildFromDisk(ctx context.Context, date string) {
	if state, ok := s.loadSnapshotTier(ctx, date, false); ok {
		s.setLoadedState(date, state, "snapshot")
		return
	}
	if state := loadLocalScoped(ctx, s.local, s.userID, date, s.logger); state != nil {
		s.setLoadedState(date, *state, "local")
		return
	}
	s.setLoadedState(date, DayState{}, "empty")
}

// onForeground re-checks freshness when the host app returns to the
// foreground. Only today is refreshed; historical dates cannot go stale.
func (s *Session) onForeground() {
	if s.currentDate() != today(s.clock) {
		return
	}
	s.RefreshAsync(false)
}

// onRemoteChange reacts to a server push. A dated change for another date
// is ignored; anything affecting the selected date forces a refresh.
func (s *Session) onRemoteChange(e RemoteChangeEvent) {
	if e.Date != "" && e.Date != s.currentDate() {
		return
	}
	s.RefreshAsync(true)
}

// persistRecord writes one record to the device store off-path.
func (s *Session) persistRecord(store, id string, rec any) {
	s.background(func(ctx context.Context) {
		saveRecord(ctx, s.local, store, id, rec, s.logger)
	})
}

// refreshSnapshot rewrites the date's snapshot after a local write, so the
// snapshot tier never outranks the device store with a staler copy across
// a restart.
func (s *Session) refreshSnapshot(date string, state DayState) {
	snap := snapshotFromState(s.userID, date, state, s.clock)
	s.background(func(ctx context.Context) {
		if err := s.snaps.Save(ctx, snap); err != nil {
			s.logger.Warn("snapshot refresh failed", "date", date, "err", err)
		}
	})
}
