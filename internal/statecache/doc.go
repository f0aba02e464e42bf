// Package statecache is the conversation state store used by the response
// pipeline. It layers three tiers:
//
//   - L1: in-process LRU with TTL, owned by one Store
//   - L2: shared Redis cache (RedisCache), optional
//   - L3: durable store (store.SQLiteStore)
//
// # Reads
//
// Get consults L1, then L2, then L3, filling the faster tiers on the way back.
// Concurrent misses for one id share a single load. Get with invalidate set
// flushes any pending write for the id and then reads L3 directly.
//
// # Writes
//
// UpdateConfig and UpdateTeamConfig apply to the L1 copy immediately and
// schedule a debounced flush (DebounceWindow, default 2s) per (id, group).
// Each new write restarts its group's window, so a burst of writes reaches L3
// as one write carrying the latest state. Both groups flush the same L1
// snapshot, so neither can overwrite the other with stale data.
//
// A failed flush leaves the entry dirty and retries with exponential backoff.
// Dirty entries are pinned in L1 and are never evicted. Del and Close flush
// pending writes before they return.
//
// # Failures
//
// L2 errors are logged and treated as misses. L3 errors surface as
// ErrStorageUnavailable.
package statecache
