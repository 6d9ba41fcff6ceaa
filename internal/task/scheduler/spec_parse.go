package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 3 * * *", "@hourly", "@every 10m"
//   - Go duration interval: "10m", "2h30m"
//   - HH:MM interval: "00:50" is 50 minutes, "02:30" is 150 minutes
//
// A "cron:" prefix forces cron, "interval:" or "every:" forces an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

// Spec renders p in a form robfig/cron accepts.
func (p ParsedSpec) Spec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if rest, ok := cutPrefixFold(s, low, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, low, p); ok {
			return parseInterval(rest)
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if ps, err := parseInterval(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30' or a duration like '55m')", raw)
}

func cutPrefixFold(s, low, prefix string) (string, bool) {
	if !strings.HasPrefix(low, prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}
