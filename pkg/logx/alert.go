package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	alertMaxLen      = 3500
	alertMaxFieldLen = 600
)

func (s *Service) startAlertWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-s.alertQ:
				s.mu.Lock()
				fn := s.alert
				thread := s.threadID
				s.mu.Unlock()
				if fn == nil {
					continue
				}
				_ = fn(ctx, thread, text)
			}
		}
	}()
}

// alertWriter is a zerolog sink. It drops lines below min level or over the
// rate budget and never blocks the caller.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.alertQ <- text:
	default:
	}
	return len(p), nil
}

// formatAlert renders one zerolog JSON line as "[LEVEL] msg" followed by
// one "- key=value" line per field, keys sorted.
func formatAlert(p []byte) string {
	var m map[string]any
	raw := strings.TrimSpace(string(p))
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, alertMaxLen)
	}

	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), alertMaxFieldLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
