// Package threat implements automatic IP blocking. A qualifying security
// event (auth failure, suspicious activity, WebAuthn or 2FA failure,
// lockout) for an address outside the trusted networks creates a TTL-bound
// block marker in Redis. The worker whose add-if-absent wins the marker
// writes the ip_block_auto audit row and, at most once per notify window,
// alerts the affected user. Audit and alert toggles come from the
// hot-reloadable threat policy and never change the blocking decision.
package threat
