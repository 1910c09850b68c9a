package beatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRemote is an in-memory RemoteStore with per-endpoint call counts and
// an optional hook fired at the start of each visit fetch.
type fakeRemote struct {
	mu        sync.Mutex
	plans     []BeatPlan
	visits    []Visit
	orders    []Order
	points    []PointsEntry
	retailers map[string]Retailer // by id

	err     error
	onFetch func()
	calls   map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		retailers: make(map[string]Retailer),
		calls:     make(map[string]int),
	}
}

func (f *fakeRemote) record(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint]++
	return f.err
}

func (f *fakeRemote) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeRemote) BeatPlans(ctx context.Context, userID, date string) ([]BeatPlan, error) {
	if err := f.record("beat_plans"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BeatPlan
	for _, p := range f.plans {
		if p.UserID == userID && p.PlanDate == date {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRemote) Visits(ctx context.Context, userID, date string) ([]Visit, error) {
	if err := f.record("visits"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Visit
	for _, v := range f.visits {
		if v.UserID == userID && v.PlannedDate == date {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeRemote) ConfirmedOrders(ctx context.Context, userID, date string) ([]Order, error) {
	if err := f.record("orders"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, o := range f.orders {
		if o.UserID == userID && o.OrderDate == date && o.Status == OrderStatusConfirmed {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeRemote) PointsLedger(ctx context.Context, userID, date string) ([]PointsEntry, error) {
	if err := f.record("points"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PointsEntry(nil), f.points...), nil
}

func (f *fakeRemote) RetailersByBeat(ctx context.Context, userID string, beatIDs []string) ([]Retailer, error) {
	if err := f.record("retailers_by_beat"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	beats := make(map[string]bool, len(beatIDs))
	for _, id := range beatIDs {
		beats[id] = true
	}
	var out []Retailer
	for _, r := range f.retailers {
		if r.UserID == userID && beats[r.BeatID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) RetailersByID(ctx context.Context, ids []string) ([]Retailer, error) {
	if err := f.record("retailers_by_id"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Retailer
	for _, id := range ids {
		if r, ok := f.retailers[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sessionFixture struct {
	session *Session
	remote  *fakeRemote
	clock   *fakeClock
	online  *atomic.Bool
	local   *MemoryLocalStore
	snaps   *MemorySnapshotStore
}

const testDate = "2024-01-15"

// newFixture builds a session whose clock starts at noon on testDate.
func newFixture(t *testing.T, opts ...func(*SessionOptions)) *sessionFixture {
	t.Helper()

	remote := newFakeRemote()
	clock := newFakeClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	online := &atomic.Bool{}
	online.Store(true)
	local := NewMemoryLocalStore()
	snaps := NewMemorySnapshotStore()

	options := SessionOptions{
		UserID:       "u1",
		Date:         testDate,
		Remote:       remote,
		Local:        local,
		Snapshots:    snaps,
		Clock:        clock,
		Connectivity: ConnectivityFunc(online.Load),
		Config:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	session, err := NewSession(options)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	return &sessionFixture{
		session: session,
		remote:  remote,
		clock:   clock,
		online:  online,
		local:   local,
		snaps:   snaps,
	}
}

// seedServerDay gives the remote a plan, one retailer roster, a visit and
// a confirmed order on testDate.
func (f *sessionFixture) seedServerDay() {
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	f.remote.plans = []BeatPlan{
		{ID: "p1", UserID: "u1", BeatID: "b1", BeatName: "North Market", PlanDate: testDate,
			UpdatedAt: f.clock.Now()},
	}
	f.remote.visits = []Visit{
		{ID: "v1", UserID: "u1", RetailerID: "r1", PlannedDate: testDate,
			Status: VisitStatusPending, UpdatedAt: f.clock.Now()},
	}
	f.remote.orders = []Order{
		{ID: "o1", UserID: "u1", RetailerID: "r1", OrderDate: testDate,
			Status: OrderStatusConfirmed, TotalAmount: 500, UpdatedAt: f.clock.Now()},
	}
	f.remote.retailers["r1"] = Retailer{ID: "r1", UserID: "u1", BeatID: "b1", Name: "Shop One"}
	f.remote.retailers["r2"] = Retailer{ID: "r2", UserID: "u1", BeatID: "b1", Name: "Shop Two"}
}

func TestSession_SyncPopulatesWorkingSet(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	state := f.session.State()
	if len(state.BeatPlans) != 1 || state.CurrentBeatName() != "North Market" {
		t.Errorf("plans = %v", state.BeatPlans)
	}
	if len(state.Visits) != 1 || state.Visits[0].ID != "v1" {
		t.Errorf("visits = %v", state.Visits)
	}
	if len(state.Orders) != 1 {
		t.Errorf("orders = %v", state.Orders)
	}
	if len(state.Retailers) != 2 {
		t.Errorf("retailers = %v, want the beat roster", state.Retailers)
	}
}

func TestSession_VisitsReplacedWholesale(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	// The server reverses the visit's status without touching its
	// timestamp ordering guarantees; wholesale replacement must take the
	// server copy regardless.
	f.remote.mu.Lock()
	f.remote.visits = []Visit{
		{ID: "v1", UserID: "u1", RetailerID: "r1", PlannedDate: testDate,
			Status: VisitStatusUnproductive, UpdatedAt: f.clock.Now().Add(time.Minute)},
	}
	f.remote.mu.Unlock()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	state := f.session.State()
	if len(state.Visits) != 1 || state.Visits[0].Status != VisitStatusUnproductive {
		t.Errorf("visits = %v, want server status to win", state.Visits)
	}
}

func TestSession_TempVisitReconciliation(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Field rep marks r2 unproductive before the server has a visit row.
	f.session.Events().Publish(StatusChangedEvent{
		RetailerID:    "r2",
		Status:        VisitStatusUnproductive,
		NoOrderReason: "shop closed",
	})

	state := f.session.State()
	var tempID string
	for _, v := range state.Visits {
		if v.RetailerID == "r2" {
			tempID = v.ID
		}
	}
	if !IsTempVisitID(tempID) {
		t.Fatalf("expected a temp visit for r2, got %v", state.Visits)
	}

	// First sync: the server still has no row for r2. The temp visit must
	// survive the wholesale replacement.
	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh without server row: %v", err)
	}
	state = f.session.State()
	found := false
	for _, v := range state.Visits {
		if v.ID == tempID {
			found = true
		}
	}
	if !found {
		t.Fatal("temp visit lost before the server caught up")
	}

	// Second sync: the server has processed the status and assigned an id.
	f.remote.mu.Lock()
	f.remote.visits = append(f.remote.visits, Visit{
		ID: "v2", UserID: "u1", RetailerID: "r2", PlannedDate: testDate,
		Status: VisitStatusUnproductive, NoOrderReason: "shop closed",
		UpdatedAt: f.clock.Now().Add(time.Minute),
	})
	f.remote.mu.Unlock()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh with server row: %v", err)
	}
	state = f.session.State()
	for _, v := range state.Visits {
		if v.ID == tempID {
			t.Errorf("temp visit %q should be superseded by server id v2", tempID)
		}
	}
	var r2Count int
	for _, v := range state.Visits {
		if v.RetailerID == "r2" {
			r2Count++
		}
	}
	if r2Count != 1 {
		t.Errorf("r2 has %d visits after reconciliation, want 1", r2Count)
	}
}

func TestSession_StaleDateResultsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	// Navigate away while the fetch for testDate is mid-flight.
	f.remote.mu.Lock()
	f.remote.onFetch = func() {
		f.session.SetDate(context.Background(), "2024-01-14")
	}
	f.remote.mu.Unlock()

	err := f.session.Refresh(context.Background(), true)
	if !errors.Is(err, ErrStaleDate) {
		t.Fatalf("Refresh = %v, want ErrStaleDate", err)
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Phase != SyncPhaseApply {
		t.Fatalf("Refresh = %v, want an apply-phase SyncError", err)
	}

	if got := f.session.Date(); got != "2024-01-14" {
		t.Fatalf("Date = %q, want the navigated-to date", got)
	}
	state := f.session.State()
	for _, v := range state.Visits {
		if v.PlannedDate != "2024-01-14" {
			t.Errorf("visit %q from the abandoned date leaked into state", v.ID)
		}
	}
}

func TestSession_SyncThrottled(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := f.session.Refresh(context.Background(), false); !errors.Is(err, ErrSyncThrottled) {
		t.Errorf("Refresh inside interval = %v, want ErrSyncThrottled", err)
	}

	// Forcing bypasses the interval.
	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Errorf("forced Refresh = %v, want nil", err)
	}

	f.clock.Advance(DefaultConfig().Sync.MinInterval.Std() + time.Second)
	if err := f.session.Refresh(context.Background(), false); err != nil {
		t.Errorf("Refresh after interval = %v, want nil", err)
	}
}

func TestSession_SyncOffline(t *testing.T) {
	f := newFixture(t)
	f.online.Store(false)

	if err := f.session.Refresh(context.Background(), true); !errors.Is(err, ErrOffline) {
		t.Errorf("Refresh offline = %v, want ErrOffline", err)
	}
	if f.remote.callCount("visits") != 0 {
		t.Error("remote was contacted while offline")
	}
}

func TestSession_SyncSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.remote.mu.Lock()
	f.remote.onFetch = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	f.remote.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- f.session.Refresh(context.Background(), true)
	}()

	<-entered
	if err := f.session.Refresh(context.Background(), true); !errors.Is(err, ErrSyncInFlight) {
		t.Errorf("concurrent Refresh = %v, want ErrSyncInFlight", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Errorf("first Refresh = %v, want nil", err)
	}
}

func TestSession_SyncRecomputesRetailerScope(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// An offline retailer on the planned beat must survive the recompute;
	// it cannot come back from the server because the server has never
	// seen it.
	f.session.Events().Publish(RetailerAddedEvent{
		Retailer: Retailer{BeatID: "b1", Name: "New Kirana"},
	})

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh after add: %v", err)
	}

	state := f.session.State()
	offline := 0
	for _, r := range state.Retailers {
		if IsOfflineRetailerID(r.ID) {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("offline retailers after sync = %d, want 1", offline)
	}
}

func TestSession_PointsRebuiltWholesale(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()
	f.remote.mu.Lock()
	f.remote.points = []PointsEntry{
		{ID: "g1", UserID: "u1", RetailerID: "r1", Points: 10},
		{ID: "g2", UserID: "u1", RetailerID: "r2", Points: 20},
	}
	f.remote.mu.Unlock()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := f.session.Points(); got.Total != 30 {
		t.Fatalf("Total = %d, want 30", got.Total)
	}

	// A correction removed a ledger row; the rebuilt summary must shrink.
	f.remote.mu.Lock()
	f.remote.points = f.remote.points[:1]
	f.remote.mu.Unlock()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if got := f.session.Points(); got.Total != 10 {
		t.Errorf("Total = %d, want rebuild to drop the removed row", got.Total)
	}
}

func TestSession_SyncPersistsToLocalAndSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// Persistence is fire-and-forget; Close drains the work group.
	f.session.Close()

	if state := loadLocalScoped(context.Background(), f.local, "u1", testDate, testLogger()); state == nil {
		t.Error("nothing reached the device store")
	}
	snap, err := f.snaps.Load(context.Background(), "u1", testDate)
	if err != nil {
		t.Fatalf("snapshot after sync: %v", err)
	}
	if !validSnapshotFor(snap, testDate) {
		t.Errorf("saved snapshot fails validation: %+v", snap)
	}
}

func TestSession_SyncFetchFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.seedServerDay()

	if err := f.session.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before := f.session.State()

	f.remote.mu.Lock()
	f.remote.err = errors.New("boom")
	f.remote.mu.Unlock()

	err := f.session.Refresh(context.Background(), true)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Phase != SyncPhaseFetch {
		t.Fatalf("Refresh = %v, want a fetch-phase SyncError", err)
	}

	after := f.session.State()
	if len(after.Visits) != len(before.Visits) || len(after.Retailers) != len(before.Retailers) {
		t.Error("failed sync modified the working set")
	}
}
