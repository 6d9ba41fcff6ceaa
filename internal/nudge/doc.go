// Package nudge decides when each opted-in user gets an unsolicited
// follow-up message.
//
// Every scheduled occurrence goes through Service.commit: cancel the user's
// nudge timer, arm the new one, persist the pending plan. The silence check,
// the dispatch loop, the sweeper, rebuild and restore all feed that path, so
// an enabled user always ends up with exactly one future nudge timer.
package nudge
