package beatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Named collections in the device-local store.
const (
	StoreBeatPlans = "beat_plans"
	StoreVisits    = "visits"
	StoreRetailers = "retailers"
	StoreOrders    = "orders"
)

// LocalStore is the device-local persistent object store. Records are kept
// as JSON documents keyed by (store, id), so the schema never needs
// migrating when entity fields evolve server-side.
//
// Writes are fire-and-forget from the orchestrators' perspective: the UI
// path never blocks on them, and a failed write never rolls back in-memory
// state. Failures are logged, not swallowed without trace.
type LocalStore interface {
	// GetAll returns every document in the named store.
	GetAll(ctx context.Context, store string) ([][]byte, error)

	// Save upserts one document.
	Save(ctx context.Context, store, id string, doc []byte) error

	// MergeData upserts a batch of documents by id, leaving unrelated
	// documents untouched.
	MergeData(ctx context.Context, store string, docs map[string][]byte) error

	// SetSyncMetadata records when a kind of data was last synced for a
	// (user, date).
	SetSyncMetadata(ctx context.Context, kind, userID, date string) error

	// Close releases any resources.
	Close() error
}

// MemoryLocalStore implements LocalStore in process memory. Useful for
// tests and environments without durable storage.
type MemoryLocalStore struct {
	stores map[string]map[string][]byte
	meta   map[string]string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryLocalStore creates an empty in-memory local store.
func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{
		stores: make(map[string]map[string][]byte),
		meta:   make(map[string]string),
	}
}

func (m *MemoryLocalStore) GetAll(ctx context.Context, store string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	docs := m.stores[store]
	out := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		out = append(out, append([]byte(nil), doc...))
	}
	return out, nil
}

func (m *MemoryLocalStore) Save(ctx context.Context, store, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if m.stores[store] == nil {
		m.stores[store] = make(map[string][]byte)
	}
	m.stores[store][id] = append([]byte(nil), doc...)
	return nil
}

func (m *MemoryLocalStore) MergeData(ctx context.Context, store string, docs map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if m.stores[store] == nil {
		m.stores[store] = make(map[string][]byte)
	}
	for id, doc := range docs {
		m.stores[store][id] = append([]byte(nil), doc...)
	}
	return nil
}

func (m *MemoryLocalStore) SetSyncMetadata(ctx context.Context, kind, userID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.meta[kind+"|"+userID] = date
	return nil
}

func (m *MemoryLocalStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Typed read helpers. Documents that fail to decode are skipped with a
// warning; one corrupt row must not take down the whole tier.

func localBeatPlans(ctx context.Context, ls LocalStore, logger *slog.Logger) []BeatPlan {
	return decodeAll[BeatPlan](ctx, ls, StoreBeatPlans, logger)
}

func localVisits(ctx context.Context, ls LocalStore, logger *slog.Logger) []Visit {
	return decodeAll[Visit](ctx, ls, StoreVisits, logger)
}

func localRetailers(ctx context.Context, ls LocalStore, logger *slog.Logger) []Retailer {
	return decodeAll[Retailer](ctx, ls, StoreRetailers, logger)
}

func localOrders(ctx context.Context, ls LocalStore, logger *slog.Logger) []Order {
	return decodeAll[Order](ctx, ls, StoreOrders, logger)
}

func decodeAll[T any](ctx context.Context, ls LocalStore, store string, logger *slog.Logger) []T {
	docs, err := ls.GetAll(ctx, store)
	if err != nil {
		logger.Warn("local store read failed", "store", store, "err", err)
		return nil
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var rec T
		if err := json.Unmarshal(doc, &rec); err != nil {
			logger.Warn("local store document corrupt, skipping", "store", store, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// loadLocalScoped reads the full local store and applies the same date,
// user, and retailer-inclusion scoping as the network path. Returns nil
// when nothing relevant is stored; storage failures degrade to nil after
// logging rather than propagating.
func loadLocalScoped(ctx context.Context, ls LocalStore, userID, date string, logger *slog.Logger) *DayState {
	if ls == nil {
		return nil
	}

	var plans []BeatPlan
	for _, p := range localBeatPlans(ctx, ls, logger) {
		if p.UserID == userID && p.PlanDate == date {
			plans = append(plans, p)
		}
	}

	var visits []Visit
	for _, v := range localVisits(ctx, ls, logger) {
		if v.UserID == userID && v.PlannedDate == date {
			visits = append(visits, v)
		}
	}

	var orders []Order
	for _, o := range localOrders(ctx, ls, logger) {
		if o.UserID == userID && o.OrderDate == date && o.Status == OrderStatusConfirmed {
			orders = append(orders, o)
		}
	}

	retailers := scopeRetailers(localRetailers(ctx, ls, logger), plans, visits, orders)

	state := &DayState{
		BeatPlans: plans,
		Visits:    visits,
		Retailers: retailers,
		Orders:    orders,
	}
	if state.Empty() {
		return nil
	}
	return state
}

// persistState writes a day's merged working set into the local store via
// batched merges. Errors are logged and swallowed; the in-memory state is
// authoritative for the session even when persistence lags.
func persistState(ctx context.Context, ls LocalStore, state DayState, logger *slog.Logger) {
	if ls == nil {
		return
	}
	mergeDocs(ctx, ls, StoreBeatPlans, encodeByID(state.BeatPlans, func(p BeatPlan) string { return p.ID }), logger)
	mergeDocs(ctx, ls, StoreVisits, encodeByID(state.Visits, func(v Visit) string { return v.ID }), logger)
	mergeDocs(ctx, ls, StoreRetailers, encodeByID(state.Retailers, func(r Retailer) string { return r.ID }), logger)
	mergeDocs(ctx, ls, StoreOrders, encodeByID(state.Orders, func(o Order) string { return o.ID }), logger)
}

func mergeDocs(ctx context.Context, ls LocalStore, store string, docs map[string][]byte, logger *slog.Logger) {
	if len(docs) == 0 {
		return
	}
	if err := ls.MergeData(ctx, store, docs); err != nil {
		logger.Warn("local store merge failed", "store", store, "err", err)
	}
}

func encodeByID[T any](records []T, id func(T) string) map[string][]byte {
	docs := make(map[string][]byte, len(records))
	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		docs[id(rec)] = doc
	}
	return docs
}

func saveRecord[T any](ctx context.Context, ls LocalStore, store, id string, rec T, logger *slog.Logger) {
	if ls == nil {
		return
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		logger.Warn("local store encode failed", "store", store, "err", err)
		return
	}
	if err := ls.Save(ctx, store, id, doc); err != nil {
		logger.Warn("local store save failed", "store", store, "id", id, "err", err)
	}
}
