// Package cluster holds the identifiers and wire types shared by the
// coordinator process and the workers.
//
// # Identifiers
//
// ServerID, ShardID and CollectionID are opaque, externally assigned and
// immutable. They are plain string types so they can key maps, travel over
// JSON unchanged and be written into coordination-service paths.
//
// # Communication
//
// Workers talk to the coordinator over HTTP/JSON:
//
// Registration (POST /register):
//   - A worker announces its ServerID and public address.
//
// Plan download (GET /plan/{server}):
//   - Returns a PlanResponse naming, per shard the worker leads, the
//     secondary that should receive replicated partition state.
//
// PostJSON and GetJSON are the shared helpers for both directions. Requests
// honour the caller's context and a 5 second client timeout.
package cluster
