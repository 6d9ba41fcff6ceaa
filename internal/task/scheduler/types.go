package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"livenudge/internal/eventbus"
	"livenudge/internal/task/engine"
	"livenudge/pkg/logx"
)

// Config controls the scheduler. Timezone is an IANA name; empty means Local.
type Config struct {
	Enabled  bool
	Timezone string
}

// Kind separates the per-user timer families.
type Kind string

const (
	KindNudge   Kind = "nudge"
	KindSilence Kind = "silence"
)

// Key identifies one per-user timer. At is the fire time in unix seconds.
type Key struct {
	Kind   Kind
	UserID int64
	At     int64
}

func NewKey(kind Kind, userID int64, at time.Time) Key {
	return Key{Kind: kind, UserID: userID, At: at.Unix()}
}

func (k Key) Time() time.Time { return time.Unix(k.At, 0) }

// String renders kind:user:epoch. It is for logs and task names only.
func (k Key) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.UserID, 10) + ":" + strconv.FormatInt(k.At, 10)
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           engine.TaskOptions
	state         *engine.RunState
}

type userTimer struct {
	timer   *time.Timer
	ver     uint64
	at      time.Time
	timeout time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// per-user timers; tmu guards timers, byUser and ver
	tmu    sync.Mutex
	timers map[Key]*userTimer
	byUser map[int64]map[Key]struct{}
	ver    uint64
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string

	Schedules  []ScheduleInfo
	UserTimers int
	Users      int

	Engine engine.Snapshot
}
