package storage

// Package storage persists the three durable concerns of the sync pipeline:
//
//   - bot_schedules: the internal schedule store (three-tier upsert)
//   - calendar_registrations: the downstream idempotency ledger
//   - sync_logs: one audit row per reconciliation run
