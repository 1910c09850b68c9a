package beatsync

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Record is anything the diff engine can classify. RecordUpdatedAt and
// Fingerprint together decide "changed": a strictly newer server timestamp
// or a differing content hash both count.
type Record interface {
	RecordID() string
	RecordUpdatedAt() time.Time
	Fingerprint() string
}

// fingerprint hashes the given parts into a short stable hex digest. Only
// status-relevant fields are ever passed in; audit metadata is excluded so
// unrelated touch-ups do not register as changes.
func fingerprint(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum[:12])
}

func (b BeatPlan) RecordID() string           { return b.ID }
func (b BeatPlan) RecordUpdatedAt() time.Time { return b.UpdatedAt }

// Fingerprint covers the fields that change what the plan schedules.
func (b BeatPlan) Fingerprint() string {
	return fingerprint(b.BeatID, b.BeatName, b.PlanDate, string(b.BeatData))
}

func (v Visit) RecordID() string           { return v.ID }
func (v Visit) RecordUpdatedAt() time.Time { return v.UpdatedAt }

// Fingerprint covers the status-defining fields of a visit.
func (v Visit) Fingerprint() string {
	return fingerprint(v.RetailerID, v.PlannedDate, v.Status, v.NoOrderReason)
}

func (o Order) RecordID() string           { return o.ID }
func (o Order) RecordUpdatedAt() time.Time { return o.UpdatedAt }

// Fingerprint covers the fields that change an order's contribution to
// progress.
func (o Order) Fingerprint() string {
	return fingerprint(o.RetailerID, o.OrderDate, o.TotalAmount, o.Status)
}

func (r Retailer) RecordID() string           { return r.ID }
func (r Retailer) RecordUpdatedAt() time.Time { return time.Time{} }

// Fingerprint covers the retailer's identity fields.
func (r Retailer) Fingerprint() string {
	return fingerprint(r.BeatID, r.Name, r.Category)
}

// DiffResult classifies an incoming record set against an existing one.
type DiffResult[T Record] struct {
	// Changed holds incoming records whose server timestamp is strictly
	// newer than the existing copy or whose fingerprint differs.
	Changed []T
	// Unchanged holds the ids present in both sets with no detected change.
	Unchanged []string
	// Added holds incoming records absent from the existing set.
	Added []T
	// Removed holds existing ids absent from the incoming set.
	Removed []string
}

// Empty reports whether the diff carries no deltas.
func (d DiffResult[T]) Empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff classifies incoming against existing. Pure and deterministic: no
// I/O, no clock. Duplicate ids within either input resolve last write wins.
// Empty inputs are valid.
func Diff[T Record](existing, incoming []T) DiffResult[T] {
	prior := make(map[string]T, len(existing))
	for _, rec := range existing {
		prior[rec.RecordID()] = rec
	}

	// Dedupe incoming, keeping first-seen order and last-seen value.
	order := make([]string, 0, len(incoming))
	next := make(map[string]T, len(incoming))
	for _, rec := range incoming {
		id := rec.RecordID()
		if _, seen := next[id]; !seen {
			order = append(order, id)
		}
		next[id] = rec
	}

	var result DiffResult[T]
	for _, id := range order {
		rec := next[id]
		old, ok := prior[id]
		if !ok {
			result.Added = append(result.Added, rec)
			continue
		}
		if rec.RecordUpdatedAt().After(old.RecordUpdatedAt()) || rec.Fingerprint() != old.Fingerprint() {
			result.Changed = append(result.Changed, rec)
		} else {
			result.Unchanged = append(result.Unchanged, id)
		}
	}

	for id := range prior {
		if _, ok := next[id]; !ok {
			result.Removed = append(result.Removed, id)
		}
	}

	return result
}

// applyDiff merges a diff into the existing slice: changed records replace
// in place, removed ids drop, added records append. Order of surviving
// records is preserved to minimize downstream churn.
func applyDiff[T Record](existing []T, diff DiffResult[T]) []T {
	if diff.Empty() {
		return existing
	}

	changed := make(map[string]T, len(diff.Changed))
	for _, rec := range diff.Changed {
		changed[rec.RecordID()] = rec
	}
	removed := make(map[string]bool, len(diff.Removed))
	for _, id := range diff.Removed {
		removed[id] = true
	}

	out := make([]T, 0, len(existing)+len(diff.Added))
	for _, rec := range existing {
		id := rec.RecordID()
		if removed[id] {
			continue
		}
		if upd, ok := changed[id]; ok {
			out = append(out, upd)
			continue
		}
		out = append(out, rec)
	}
	return append(out, diff.Added...)
}
