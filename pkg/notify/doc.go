// Package notify delivers user notifications off the request path. Callers
// decide synchronously whether to notify; a Dispatcher hands the message to
// a Notifier on a small worker pool with panic recovery and a per-delivery
// timeout.
package notify
