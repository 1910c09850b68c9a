package beatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-date format used throughout the engine.
// All date scoping compares dates in this form, never full timestamps.
const DateLayout = "2006-01-02"

// VisitStatus is the lifecycle state of a retailer visit.
type VisitStatus string

const (
	VisitStatusPending      VisitStatus = "pending"
	VisitStatusProductive   VisitStatus = "productive"
	VisitStatusUnproductive VisitStatus = "unproductive"
	VisitStatusCompleted    VisitStatus = "completed"
)

// OrderStatusConfirmed marks an order that counts toward progress.
// Orders in any other status are excluded from the working set.
const OrderStatusConfirmed = "confirmed"

// Id prefixes for records originated on the client before the server has
// assigned a permanent identity.
const (
	tempVisitIDPrefix     = "temp_"
	offlineRetailerPrefix = "offline_"
)

// BeatPlan schedules a beat for a user on a date. Read-only to this engine;
// planning flows create it. BeatData is an opaque server payload that may
// carry an explicit retailer-id list.
type BeatPlan struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	BeatID    string          `json:"beat_id"`
	BeatName  string          `json:"beat_name"`
	PlanDate  string          `json:"plan_date"`
	BeatData  json.RawMessage `json:"beat_data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ExplicitRetailerIDs extracts the retailer-id list embedded in the beat
// payload, if any. Malformed payloads yield nil rather than an error; the
// payload is advisory, not authoritative.
func (b BeatPlan) ExplicitRetailerIDs() []string {
	if len(b.BeatData) == 0 {
		return nil
	}
	var payload struct {
		RetailerIDs []string `json:"retailer_ids"`
	}
	if err := json.Unmarshal(b.BeatData, &payload); err != nil {
		return nil
	}
	return payload.RetailerIDs
}

// Visit records an attempted or completed engagement with a retailer on a
// date. One logical visit per (user, retailer, planned_date), though the
// model tolerates duplicates. Created server-side by check-in, or
// client-side with a temporary id when a status change arrives before the
// server id is known.
type Visit struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	RetailerID    string      `json:"retailer_id"`
	PlannedDate   string      `json:"planned_date"`
	Status        VisitStatus `json:"status"`
	NoOrderReason string      `json:"no_order_reason,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Retailer is an outlet belonging to a beat. Scoped to a date indirectly,
// via its beat's plan or via having a visit or confirmed order that date.
type Retailer struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	BeatID   string `json:"beat_id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Order is a confirmed sale taken at a retailer. Always scoped to OrderDate.
type Order struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RetailerID  string    `json:"retailer_id"`
	OrderDate   string    `json:"order_date"`
	TotalAmount float64   `json:"total_amount"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PointsEntry is one row of the gamification ledger.
type PointsEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RetailerID   string    `json:"retailer_id"`
	RetailerName string    `json:"retailer_name,omitempty"`
	VisitID      string    `json:"visit_id,omitempty"`
	Points       int       `json:"points"`
	EarnedAt     time.Time `json:"earned_at"`
}

// RetailerPoints is the per-retailer slice of a day's points.
type RetailerPoints struct {
	Name    string `json:"name"`
	Points  int    `json:"points"`
	VisitID string `json:"visit_id,omitempty"`
}

// PointsData is the day's gamification summary. It is recomputed wholesale
// on every fetch, never diffed.
type PointsData struct {
	Total      int                       `json:"total"`
	ByRetailer map[string]RetailerPoints `json:"by_retailer"`
}

// ProgressStats are the visit/order aggregates a consumer displays for a
// single date.
type ProgressStats struct {
	Planned         int     `json:"planned"`
	Productive      int     `json:"productive"`
	Unproductive    int     `json:"unproductive"`
	TotalOrders     int     `json:"total_orders"`
	TotalOrderValue float64 `json:"total_order_value"`
}

// DayState is the in-memory working set for one (user, date).
type DayState struct {
	BeatPlans []BeatPlan `json:"beat_plans"`
	Visits    []Visit    `json:"visits"`
	Retailers []Retailer `json:"retailers"`
	Orders    []Order    `json:"orders"`
	Points    PointsData `json:"points"`
}

// Clone returns a deep-enough copy: slices are copied so callers can hand
// the result to readers without racing subsequent state updates.
func (s DayState) Clone() DayState {
	out := DayState{Points: clonePointsData(s.Points)}
	out.BeatPlans = append([]BeatPlan(nil), s.BeatPlans...)
	out.Visits = append([]Visit(nil), s.Visits...)
	out.Retailers = append([]Retailer(nil), s.Retailers...)
	out.Orders = append([]Order(nil), s.Orders...)
	return out
}

func clonePointsData(p PointsData) PointsData {
	out := PointsData{Total: p.Total}
	if p.ByRetailer != nil {
		out.ByRetailer = make(map[string]RetailerPoints, len(p.ByRetailer))
		for k, v := range p.ByRetailer {
			out.ByRetailer[k] = v
		}
	}
	return out
}

// Empty reports whether every collection in the state is empty.
func (s DayState) Empty() bool {
	return len(s.BeatPlans) == 0 && len(s.Visits) == 0 &&
		len(s.Retailers) == 0 && len(s.Orders) == 0
}

// CurrentBeatName returns the display name of the day's first planned beat.
func (s DayState) CurrentBeatName() string {
	if len(s.BeatPlans) == 0 {
		return ""
	}
	return s.BeatPlans[0].BeatName
}

// DaySnapshot is the persisted point-in-time bundle for one (user, date),
// used to restore UI state instantly across restarts.
type DaySnapshot struct {
	UserID          string        `json:"user_id"`
	Date            string        `json:"date"`
	BeatPlans       []BeatPlan    `json:"beat_plans"`
	Visits          []Visit       `json:"visits"`
	Retailers       []Retailer    `json:"retailers"`
	Orders          []Order       `json:"orders"`
	Points          PointsData    `json:"points"`
	ProgressStats   ProgressStats `json:"progress_stats"`
	CurrentBeatName string        `json:"current_beat_name,omitempty"`
	SavedAt         time.Time     `json:"saved_at"`
}

// NewTempVisitID builds a client-assigned visit id for an optimistic write.
func NewTempVisitID(retailerID string, now time.Time) string {
	return fmt.Sprintf("%s%s_%d", tempVisitIDPrefix, retailerID, now.UnixMilli())
}

// IsTempVisitID reports whether id was assigned by the client and is
// pending server reconciliation.
func IsTempVisitID(id string) bool {
	return strings.HasPrefix(id, tempVisitIDPrefix)
}

// NewOfflineRetailerID builds a client-assigned retailer id for a retailer
// created while disconnected.
func NewOfflineRetailerID() string {
	return offlineRetailerPrefix + uuid.NewString()
}

// IsOfflineRetailerID reports whether the retailer was created on the
// client and has not yet been persisted server-side.
func IsOfflineRetailerID(id string) bool {
	return strings.HasPrefix(id, offlineRetailerPrefix)
}

// visitsMatchDate reports whether every visit carries the given date.
func visitsMatchDate(visits []Visit, date string) bool {
	for _, v := range visits {
		if v.PlannedDate != date {
			return false
		}
	}
	return true
}

// ordersMatchDate reports whether every order carries the given date.
func ordersMatchDate(orders []Order, date string) bool {
	for _, o := range orders {
		if o.OrderDate != date {
			return false
		}
	}
	return true
}
