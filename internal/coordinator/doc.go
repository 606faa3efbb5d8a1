// Package coordinator holds the supervision side of the coordinator
// process: it decides which servers are healthy and keeps the agency's copy
// of the plan current.
//
// # Architecture
//
//	HealthMonitor ──probe /health──► workers
//	      │
//	      │ Supervision/Health/<server>
//	      ▼
//	   agency ◄──Current/Collections/<cid>/<shard>── Publisher ◄── topology plan
//	      │                                              ▲
//	      │ watch                                        │ server FAILED
//	      ▼                                              │
//	recovery.Manager                               HealthMonitor
//
// The monitor writes a GOOD, BAD or FAILED record per server. When a server
// turns FAILED the publisher promotes a replica of every shard it led and
// writes the new leader list; the recovery manager sees that write as a
// leadership change and notifies the jobs monitoring the collection.
//
// # Health states
//
//   - GOOD: the latest probe succeeded.
//   - BAD: the latest probe failed, fewer than maxFailures in a row.
//   - FAILED: maxFailures probes in a row failed.
//
// Replicas are chosen through a ServerFilter, so a server that was just
// demoted or whose record is not GOOD is passed over.
package coordinator
