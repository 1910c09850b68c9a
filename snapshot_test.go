package beatsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testSnapshot(userID, date string) *DaySnapshot {
	return &DaySnapshot{
		UserID: userID,
		Date:   date,
		BeatPlans: []BeatPlan{
			{ID: "p1", UserID: userID, BeatID: "b1", BeatName: "North Market", PlanDate: date},
		},
		Visits: []Visit{
			{ID: "v1", UserID: userID, RetailerID: "r1", PlannedDate: date, Status: VisitStatusProductive},
		},
		Retailers: []Retailer{
			{ID: "r1", UserID: userID, BeatID: "b1", Name: "Shop One"},
		},
		Orders: []Order{
			{ID: "o1", UserID: userID, RetailerID: "r1", OrderDate: date, Status: OrderStatusConfirmed, TotalAmount: 500},
		},
		Points:          PointsData{Total: 10},
		ProgressStats:   ProgressStats{Productive: 1, TotalOrders: 1, TotalOrderValue: 500},
		CurrentBeatName: "North Market",
		SavedAt:         time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC),
	}
}

func TestMemorySnapshotStore_Roundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshotStore()

	if _, err := store.Load(ctx, "u1", "2024-01-15"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Load on empty store = %v, want ErrSnapshotNotFound", err)
	}

	snap := testSnapshot("u1", "2024-01-15")
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx, "u1", "2024-01-15")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CurrentBeatName != "North Market" || len(got.Visits) != 1 {
		t.Errorf("loaded snapshot = %+v, want saved content", got)
	}

	if err := store.Delete(ctx, "u1", "2024-01-15"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, "u1", "2024-01-15"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Load after delete = %v, want ErrSnapshotNotFound", err)
	}
}

func TestFileSnapshotStore_Roundtrip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		config SnapshotConfig
	}{
		{"plain", SnapshotConfig{Compress: false}},
		{"compressed", SnapshotConfig{Compress: true}},
		{"encrypted", SnapshotConfig{
			Compress:   true,
			Encryption: &SnapshotEncryptionConfig{Enabled: true, Password: "field-device-key"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			cfg.Dir = t.TempDir()

			store, err := NewFileSnapshotStore(cfg)
			if err != nil {
				t.Fatalf("NewFileSnapshotStore: %v", err)
			}

			snap := testSnapshot("u1", "2024-01-15")
			if err := store.Save(ctx, snap); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := store.Load(ctx, "u1", "2024-01-15")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Points.Total != 10 || got.Orders[0].TotalAmount != 500 {
				t.Errorf("loaded snapshot = %+v, want saved content", got)
			}
		})
	}
}

func TestFileSnapshotStore_WrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writer, err := NewFileSnapshotStore(SnapshotConfig{
		Dir:        dir,
		Encryption: &SnapshotEncryptionConfig{Enabled: true, Password: "right"},
	})
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}
	if err := writer.Save(ctx, testSnapshot("u1", "2024-01-15")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reader, err := NewFileSnapshotStore(SnapshotConfig{
		Dir:        dir,
		Encryption: &SnapshotEncryptionConfig{Enabled: true, Password: "wrong"},
	})
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}
	if _, err := reader.Load(ctx, "u1", "2024-01-15"); err == nil {
		t.Error("Load with wrong password succeeded")
	}
}

func TestFileSnapshotStore_MissingSnapshot(t *testing.T) {
	store, err := NewFileSnapshotStore(SnapshotConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}
	if _, err := store.Load(context.Background(), "u1", "2024-01-15"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Load = %v, want ErrSnapshotNotFound", err)
	}
}

func TestFileSnapshotStore_RequiresPasswordWhenEnabled(t *testing.T) {
	_, err := NewFileSnapshotStore(SnapshotConfig{
		Dir:        t.TempDir(),
		Encryption: &SnapshotEncryptionConfig{Enabled: true},
	})
	if err == nil {
		t.Error("expected error for enabled encryption without a password")
	}
}

func TestValidSnapshotFor(t *testing.T) {
	snap := testSnapshot("u1", "2024-01-15")

	if !validSnapshotFor(snap, "2024-01-15") {
		t.Error("consistent snapshot rejected")
	}
	if validSnapshotFor(snap, "2024-01-16") {
		t.Error("snapshot accepted for the wrong date")
	}

	tainted := testSnapshot("u1", "2024-01-15")
	tainted.Visits = append(tainted.Visits, Visit{ID: "v9", PlannedDate: "2024-01-14"})
	if validSnapshotFor(tainted, "2024-01-15") {
		t.Error("snapshot with mismatched visit date accepted")
	}

	stale := testSnapshot("u1", "2024-01-15")
	stale.Orders = append(stale.Orders, Order{ID: "o9", OrderDate: "2024-01-14", Status: OrderStatusConfirmed})
	if validSnapshotFor(stale, "2024-01-15") {
		t.Error("snapshot with mismatched order date accepted")
	}

	if validSnapshotFor(nil, "2024-01-15") {
		t.Error("nil snapshot accepted")
	}
}

func TestSnapshotFromState_Roundtrip(t *testing.T) {
	clock := ClockFunc(func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) })
	state := DayState{
		BeatPlans: []BeatPlan{{ID: "p1", BeatID: "b1", BeatName: "North Market", PlanDate: "2024-01-15"}},
		Visits:    []Visit{{ID: "v1", RetailerID: "r1", PlannedDate: "2024-01-15", Status: VisitStatusProductive}},
		Retailers: []Retailer{{ID: "r1", BeatID: "b1"}},
		Points:    PointsData{Total: 5},
	}

	snap := snapshotFromState("u1", "2024-01-15", state, clock)
	if snap.CurrentBeatName != "North Market" {
		t.Errorf("CurrentBeatName = %q", snap.CurrentBeatName)
	}
	if snap.ProgressStats.Productive != 1 {
		t.Errorf("ProgressStats = %+v, want 1 productive", snap.ProgressStats)
	}

	back := stateFromSnapshot(snap)
	if len(back.Visits) != 1 || back.Points.Total != 5 {
		t.Errorf("restored state = %+v, want original content", back)
	}
}
