package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"livenudge/internal/task/engine"
	"livenudge/pkg/logx"
)

// periodicOpt is used for every periodic entry: a trigger that finds the
// previous run still queued or running is skipped.
var periodicOpt = engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}

// AddSchedule registers name on any form ParseSchedule accepts.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind %d", ps.Kind)
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("parse cron %q: %w", spec, err)
	}
	return s.register("cron", name, spec, timeout, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.register("interval", name, "@every "+every.String(), timeout, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// register upserts by name so reloads never duplicate an entry.
func (s *Service) register(prefix, name, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	d := scheduleDef{
		id:      fmt.Sprintf("%s:%d", prefix, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     periodicOpt,
		state:   &engine.RunState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return "", fmt.Errorf("register %s: %w", name, err)
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// Remove drops the periodic entry called name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeScheduleLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeScheduleLocked(name string) bool {
	if name == "" {
		return false
	}
	n := 0
	for _, d := range s.defs {
		if d.name != name {
			s.defs[n] = d
			n++
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run, opt, state := d.name, d.timeout, d.job, d.opt, d.state
	job := cron.FuncJob(func() {
		s.enqueue(engine.Task{Name: name, Timeout: timeout, Run: run, Opt: opt, State: state})
	})

	// @every entries get a random first-run offset so a restart does not
	// fire them all at once.
	if rest, ok := strings.CutPrefix(strings.TrimSpace(d.spec), "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && every > 0 {
			sched, spread := intervalWithSpread(every, time.Now().In(s.loc))
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) enqueue(t engine.Task) {
	if s.engine == nil {
		return
	}
	if err := s.engine.Enqueue(t); err != nil {
		s.reportEnqueueError(t.Name, err)
	}
}

// previewNextRunsLocked lists the next n fire times, only when debug is on.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if n <= 0 || !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

func parseHHMM(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
