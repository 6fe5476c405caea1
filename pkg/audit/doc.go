// Package audit is the append-only permission audit trail.
//
// Every grant, revoke, modification, refused administrative attempt,
// emergency access event and automatic IP block/unblock produces exactly one
// Entry. Log.Record never fails the caller: persistence errors are logged,
// counted and copied to an optional JSON-lines fallback file.
//
//	log := audit.NewLog(audit.NewPostgresStore(db), logger, metrics,
//		audit.WithFallback(fileWriter))
//	log.Record(ctx, &audit.Entry{Action: audit.ActionGranted, UserID: audit.Int64(42)})
//
// Stored rows can be searched with PostgresStore.Search and exported as
// JSON, NDJSON or CSV.
package audit
