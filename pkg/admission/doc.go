// Package admission decides whether impersonation sessions may start and
// tracks them while they run.
//
// The Engine enforces three limits per (tenant, operator) pair: concurrent
// active sessions, session starts inside a sliding window, and the maximum
// session length. Denials are normal Decision values and are appended to the
// violation log. State lives behind Store, implemented in memory
// (NewInMemoryStore), on SQLite (OpenSQLiteStore) and on PostgreSQL
// (NewPostgresStore); all three pass the same contract tests.
//
//	engine, err := admission.NewEngine(admission.NewInMemoryStore(), admission.DefaultLimits())
//	decision, session, err := engine.Admit(ctx, admission.StartRequest{
//		OperatorID:   "op-1",
//		TargetUserID: "user-9",
//		TenantID:     "tenant-a",
//	}, admission.Limits{})
//
// Expired sessions stay listed until CleanupExpiredSessions removes them;
// run a Sweeper to do that periodically.
package admission
