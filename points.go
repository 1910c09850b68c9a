package beatsync

// buildPointsData folds the raw gamification ledger into the day's summary.
// The summary is rebuilt wholesale on every fetch; ledger rows are
// append-only server-side, so there is nothing to diff against.
func buildPointsData(entries []PointsEntry) PointsData {
	data := PointsData{ByRetailer: make(map[string]RetailerPoints, len(entries))}
	for _, e := range entries {
		data.Total += e.Points
		rp := data.ByRetailer[e.RetailerID]
		rp.Points += e.Points
		if e.RetailerName != "" {
			rp.Name = e.RetailerName
		}
		if e.VisitID != "" {
			rp.VisitID = e.VisitID
		}
		data.ByRetailer[e.RetailerID] = rp
	}
	return data
}
