// Package emergency implements break-glass access: short-lived grants of
// named permissions, outside the role system, addressed by a single-use
// token.
//
// A grant moves from issued to redeemed or expired, and an operator may
// revoke it at any point. Only the SHA-256 of the token is stored. Redemption
// clears the shared token mapping and flips used_at with a conditional
// update, so concurrent redemptions of one token produce exactly one success.
// Issuance and redemption are throttled independently through Redis.
//
// The Store doubles as the rbac.EmergencyGrants source the resolver merges
// into a user's permission set once a grant is redeemed.
package emergency
