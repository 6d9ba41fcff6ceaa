package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"livenudge/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	validateTimeout    = 5 * time.Second
	watchBackoffBase   = 250 * time.Millisecond
	watchBackoffMax    = 5 * time.Second
	defaultSubscribers = 4
)

// ValidatorFunc vets a freshly parsed config before it is committed.
type ValidatorFunc func(ctx context.Context, cfg *Config) error

// ConfigManager owns the current config and fans out reloads to subscribers.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator ValidatorFunc
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, subs: make([]chan *Config, 0, defaultSubscribers)}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log.With(logx.String("comp", "config")) }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *ConfigManager) SetValidator(fn ValidatorFunc) { m.validator = fn }

// Parse reads and strictly decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode parses JSON or YAML (chosen by the extension of name) into a Config.
// Unknown fields and trailing data are rejected.
func Decode(name string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(name, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("decode config: trailing data")
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load parses, validates and commits the file. Used once at startup.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i] = m.subs[last]
		m.subs[last] = nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish delivers cfg to every subscriber. A full buffer loses its oldest
// entry so the newest config always gets through.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload is the debounced body of Watch: parse, skip unchanged, validate, commit, publish.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

type backoff struct {
	cur time.Duration
	rng *rand.Rand
}

func (b *backoff) reset() { b.cur = watchBackoffBase }

// next returns the current delay plus up to 50% jitter and doubles the base.
func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > watchBackoffMax {
		b.cur = watchBackoffMax
	}
	return wait
}

// Watch reloads the file on change until ctx is done. The fsnotify watcher is
// recreated with jittered backoff whenever it breaks.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	bo := &backoff{cur: watchBackoffBase, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
			if !sleep(bo.next()) {
				return nil
			}
			continue
		}

		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		m.watchLoop(ctx, w, file, schedule)
		_ = w.Close()

		if ctx.Err() != nil {
			return nil
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
	return nil
}

// watchLoop pumps watcher events until ctx is done or the watcher breaks.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, schedule func()) {
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&interesting != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return
			}
		}
	}
}
