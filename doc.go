// Package beatsync provides an offline-first synchronization engine for
// field-sales visit data on intermittently connected devices.
//
// The engine keeps a per-date working set of beat plans, visits, retailers
// and confirmed orders consistent across four tiers: an in-memory session
// cache, a persisted per-(user, date) snapshot, a device-local store, and
// the remote server. Reads resolve from the fastest tier that holds valid
// data for the selected date while a background sync reconciles against
// the server.
//
// # Basic Usage
//
// Open a session with default configuration:
//
//	session, err := beatsync.NewSession(beatsync.SessionOptions{
//	    UserID: "rep-42",
//	    Date:   "2024-01-15",
//	    Remote: remote,
//	    Config: beatsync.DefaultConfig(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Load(ctx)
//	state := session.State()
//
// Apply a local, not-yet-confirmed user action:
//
//	session.Events().Publish(beatsync.StatusChangedEvent{
//	    RetailerID:    "r1",
//	    Status:        beatsync.VisitStatusUnproductive,
//	    NoOrderReason: "closed",
//	})
//
// # Guarantees
//
//   - Visits and orders held for a date always carry that date; violations
//     are detected at load time and the offending tier is discarded.
//   - Visit status is server-authoritative: every sync wholesale-replaces
//     the visit list from the network response.
//   - Responses for an abandoned date are never applied.
//   - Sync never runs concurrently with itself; repeat syncs are throttled.
//   - The consumer sees data or an explicit empty state, never an
//     indefinite loading state and never an error screen from this layer.
package beatsync
