package logx

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the "logging" config section.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type AlertConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// AlertFunc delivers one formatted alert line to the operator chat.
// It is called from a single background goroutine, never from the logging hot path.
type AlertFunc func(ctx context.Context, threadID int, text string) error

const defaultLogPath = "./livenudge.log"

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *lumberjack.Logger

	alert    AlertFunc
	alertQ   chan string
	alertOn  sync.Once
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
	threadID int
}

// New builds the service, applies cfg and returns the root Logger.
// alert may be nil; the alert sink then stays silent even if enabled.
func New(cfg Config, alert AlertFunc) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		alert:  alert,
		alertQ: make(chan string, 128),
	}
	s.root.Store(zerolog.New(newConsoleWriter(os.Stdout)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())

	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{src: s.current} }

// SetAlertFunc swaps the alert delivery callback. Used once the transport is up.
func (s *Service) SetAlertFunc(fn AlertFunc) {
	s.mu.Lock()
	s.alert = fn
	s.mu.Unlock()
}

// Apply swaps writers and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Alerts.MinLevel, zerolog.WarnLevel)
	rps := cfg.Alerts.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.threadID = cfg.Alerts.ThreadID

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		s.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if cfg.Alerts.Enabled {
		s.alertOn.Do(s.startAlertWorker)
		writers = append(writers, &alertWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

// Close stops the alert worker and releases the rotated file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.workerWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}
