package supervisor

import (
	"fmt"
	"sort"
	"time"
)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type gorStats struct{ GoroutineStats }

func (s *Supervisor) Counters() Counters {
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists goroutine stats, active first, then most recently started.
func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, st.GoroutineStats)
	}
	s.mu.Unlock()

	gs := snap.Goroutines
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		if !gs[i].LastStartAt.Equal(gs[j].LastStartAt) {
			return gs[i].LastStartAt.After(gs[j].LastStartAt)
		}
		return gs[i].Name < gs[j].Name
	})
	return snap
}

func (s *Supervisor) statLocked(name string) *gorStats {
	st := s.stats[name]
	if st == nil {
		st = &gorStats{GoroutineStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	s.mu.Lock()
	st := s.statLocked(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastRuntime = time.Since(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.statLocked(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}
