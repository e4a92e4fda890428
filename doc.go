// Package kinvey provides the offline-capable data store core of a mobile
// backend SDK: read, write, query, and aggregate entities against a remote
// JSON backend while transparently caching results locally and synchronizing
// local mutations back.
//
// # Basic Usage
//
// Create a client and open a collection:
//
//	client, err := kinvey.NewClient(kinvey.DefaultConfig("appKey", "appSecret"), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	books, err := client.Collection("books", kinvey.ModeSync, nil)
//
// Work offline:
//
//	book, err := books.Create(ctx, kinvey.Entity{"title": "Dune"})
//
// Synchronize when connectivity returns:
//
//	result, err := books.Sync(ctx, nil, nil)
//
// # Store Modes
//
// Every collection opens in one of three modes:
//   - ModeNetwork: every operation goes to the backend, nothing is cached
//   - ModeSync: every operation is local; Push/Pull/Sync move data explicitly
//   - ModeCache: reads resolve cache-then-network, writes land locally and
//     push opportunistically
//
// # Synchronization
//
// Local mutations are recorded as per-entity intents (at most one per
// entity) and pushed with bounded concurrency. Pulls replace the offline
// snapshot, page automatically through large result sets, or fetch server
// deltas against a cached high-water mark.
//
// Storage:
//   - Pluggable persistence (memory, SQLite, S3-compatible)
//   - Optional AES-256-GCM encryption at rest and snappy compression
//
// Realtime:
//   - Optional WebSocket entity-event stream applied to the offline cache
package kinvey
