package beatsync

// Retailer scoping. A retailer belongs to a date's working set iff:
//
//   - its beat_id is among that date's planned beats, or
//   - it is the subject of a visit that date, or
//   - it is the subject of a confirmed order that date, or
//   - it is explicitly listed in a beat plan's retailer-id payload, or
//   - it is a not-yet-synced offline-created retailer whose beat_id
//     matches a planned beat for the date.
//
// Anything else previously cached is dropped, which is what prevents
// retailer leakage across dates and beats.

// plannedBeatIDs collects the distinct beat ids scheduled by the plans.
func plannedBeatIDs(plans []BeatPlan) map[string]bool {
	beats := make(map[string]bool, len(plans))
	for _, p := range plans {
		if p.BeatID != "" {
			beats[p.BeatID] = true
		}
	}
	return beats
}

// referencedRetailerIDs collects retailer ids named by the date's visits,
// confirmed orders, and explicit beat-plan payload lists.
func referencedRetailerIDs(plans []BeatPlan, visits []Visit, orders []Order) map[string]bool {
	ids := make(map[string]bool)
	for _, v := range visits {
		if v.RetailerID != "" {
			ids[v.RetailerID] = true
		}
	}
	for _, o := range orders {
		if o.Status == OrderStatusConfirmed && o.RetailerID != "" {
			ids[o.RetailerID] = true
		}
	}
	for _, p := range plans {
		for _, id := range p.ExplicitRetailerIDs() {
			ids[id] = true
		}
	}
	return ids
}

// inScope applies the inclusion rule to a single retailer.
func inScope(r Retailer, beats, referenced map[string]bool) bool {
	if beats[r.BeatID] {
		return true
	}
	return referenced[r.ID]
}

// scopeRetailers filters a retailer universe down to the date's working
// set. Offline-created retailers survive only when their beat is planned
// for the date.
func scopeRetailers(universe []Retailer, plans []BeatPlan, visits []Visit, orders []Order) []Retailer {
	beats := plannedBeatIDs(plans)
	referenced := referencedRetailerIDs(plans, visits, orders)

	var out []Retailer
	seen := make(map[string]bool, len(universe))
	for _, r := range universe {
		if seen[r.ID] {
			continue
		}
		if IsOfflineRetailerID(r.ID) {
			if beats[r.BeatID] {
				seen[r.ID] = true
				out = append(out, r)
			}
			continue
		}
		if inScope(r, beats, referenced) {
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// mergeRetailersByID unions two retailer lists, keeping base order and
// skipping extras whose id is already present.
func mergeRetailersByID(base, extra []Retailer) []Retailer {
	seen := make(map[string]bool, len(base))
	out := append([]Retailer(nil), base...)
	for _, r := range base {
		seen[r.ID] = true
	}
	for _, r := range extra {
		if !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// offlineRetailersFor returns offline-created retailers from the candidate
// list whose beat is planned for the date and which are absent from the
// current set. Covers the window between an offline retailer's creation
// and its inclusion in a saved snapshot.
func offlineRetailersFor(candidates []Retailer, plans []BeatPlan, current []Retailer) []Retailer {
	beats := plannedBeatIDs(plans)
	present := make(map[string]bool, len(current))
	for _, r := range current {
		present[r.ID] = true
	}

	var out []Retailer
	for _, r := range candidates {
		if IsOfflineRetailerID(r.ID) && beats[r.BeatID] && !present[r.ID] {
			out = append(out, r)
		}
	}
	return out
}
