// Package storage is livenudge's relational store (SQLite via modernc.org/sqlite).
//
// It holds:
//   - users with their nudge profile, subscription and token balances
//   - conversations and messages (read for activity, written by the inbound loop)
//   - nudge_plan, the at-most-one pending occurrence per user
//   - nudge_log and allowance_log bookkeeping
//
// All timestamps are unix seconds in UTC.
package storage
