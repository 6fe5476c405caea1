// Package permcache caches resolved permission sets in Redis with
// generation-tagged invalidation, so that one role or permission change
// invalidates every affected user across all workers without enumerating
// users.
package permcache
