// Package kv wraps go-redis with the handful of atomic primitives the
// authorization core relies on across worker processes: add-if-absent
// (SetNX), read-and-clear (GetDel), fixed-window counters, and markers that
// are created, cleared and claimed together with their sorted-set index
// member for scheduled expiry.
package kv
