package beatsync

// CalculateProgress derives display aggregates for a single date. When date
// is non-empty, visits and orders are filtered to exactly that date first;
// the filter is mandatory so a caller can never aggregate across dates when
// upstream collections have not yet been trimmed.
//
// Classification per retailer: productive when the retailer has a confirmed
// order that date or any of its visits is marked productive; otherwise
// unproductive when any visit is marked unproductive or carries a no-order
// reason; otherwise planned. Retailers with a confirmed order but no visit
// row still count productive. Every known retailer not otherwise classified
// counts planned: zero activity means scheduled but not yet attempted.
//
// Pure function of its inputs. No I/O, no wall clock.
func CalculateProgress(visits []Visit, orders []Order, retailers []Retailer, date string) ProgressStats {
	var stats ProgressStats

	visitsByRetailer := make(map[string][]Visit)
	for _, v := range visits {
		if date != "" && v.PlannedDate != date {
			continue
		}
		visitsByRetailer[v.RetailerID] = append(visitsByRetailer[v.RetailerID], v)
	}

	ordered := make(map[string]bool)
	for _, o := range orders {
		if o.Status != OrderStatusConfirmed {
			continue
		}
		if date != "" && o.OrderDate != date {
			continue
		}
		ordered[o.RetailerID] = true
		stats.TotalOrders++
		stats.TotalOrderValue += o.TotalAmount
	}

	// Classification universe: the known retailer set plus any retailer
	// referenced by a visit or order that is not in it.
	universe := make([]string, 0, len(retailers))
	seen := make(map[string]bool, len(retailers))
	for _, r := range retailers {
		if !seen[r.ID] {
			seen[r.ID] = true
			universe = append(universe, r.ID)
		}
	}
	for id := range visitsByRetailer {
		if !seen[id] {
			seen[id] = true
			universe = append(universe, id)
		}
	}
	for id := range ordered {
		if !seen[id] {
			seen[id] = true
			universe = append(universe, id)
		}
	}

	for _, id := range universe {
		group := visitsByRetailer[id]
		switch {
		case ordered[id] || anyVisitProductive(group):
			stats.Productive++
		case anyVisitUnproductive(group):
			stats.Unproductive++
		default:
			stats.Planned++
		}
	}

	return stats
}

func anyVisitProductive(visits []Visit) bool {
	for _, v := range visits {
		if v.Status == VisitStatusProductive {
			return true
		}
	}
	return false
}

func anyVisitUnproductive(visits []Visit) bool {
	for _, v := range visits {
		if v.Status == VisitStatusUnproductive || v.NoOrderReason != "" {
			return true
		}
	}
	return false
}
