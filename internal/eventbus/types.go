package eventbus

// Event types published by livenudge components.
const (
	TaskSucceeded = "task.succeeded"
	TaskFailed    = "task.failed"
	TaskDropped   = "task.dropped"

	TimerArmed     = "timer.armed"
	TimerCancelled = "timer.cancelled"

	PlanCommitted  = "nudge.planned"
	NudgeSent      = "nudge.sent"
	NudgeDeferred  = "nudge.deferred"
	NudgeFailed    = "nudge.failed"
	SilenceChecked = "silence.checked"
	SweepRepaired  = "sweep.repaired"
	PlansRestored  = "plans.restored"
)

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	Task     string
	Attempt  int
	Duration float64 // seconds
	Err      string
}

// NudgeEvent is the payload of timer.*, nudge.*, silence.* and sweep.* events.
type NudgeEvent struct {
	UserID int64
	Reason string
	Kind   string
	Count  int
}
