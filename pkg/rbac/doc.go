// Package rbac is the authorization core of the helpdesk: the entity store
// for users, roles, permissions and role assignments, the hierarchy guard
// for role administration, the permission resolver and the temporal grant
// manager.
//
// # Resolution
//
// A user's permission set is the union of the active permissions of every
// active role they hold through an effective assignment (active, and either
// permanent or expiring after now), plus any redeemed emergency grants.
// Permissions named resource.* satisfy every check on that resource:
//
//	resolver := rbac.NewResolver(store, logger, metrics,
//		rbac.WithCache(cache),
//		rbac.WithEmergencyGrants(emergencyStore),
//	)
//	ok, err := resolver.HasPermission(ctx, userID, "tickets.assign")
//
// Expiry is computed at read time, so a temporal role stops counting the
// instant it lapses whether or not the sweep has run.
//
// # Hierarchy
//
// Roles carry a hierarchy level. An actor may view roles up to and
// including their own highest level, but may only create, update, delete,
// attach permissions to, or assign roles strictly below it. Every refusal
// is written to the audit log as unauthorized_access_attempt.
//
// # Cache consistency
//
// Mutations invalidate the shared permission cache before they return:
// grants and revokes bump the user, permission links bump the role, and
// role or permission toggles bump the global generation.
package rbac
