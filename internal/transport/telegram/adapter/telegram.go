// Package adapter is the telebot-backed transport.Adapter.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "livenudge/internal/runtime/supervisor"
	kit "livenudge/internal/transport"
	"livenudge/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake. Tests only.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[chan<- kit.Update]
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.deliver(up)
		}
		return nil
	})
	return a, nil
}

func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsPrivate:    m.Chat.Type == tele.ChatPrivate,
		},
	}, true
}

// deliver never blocks the poll loop; a full consumer loses the update.
func (a *Adapter) deliver(up kit.Update) {
	p := a.out.Load()
	if p == nil || *p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(&out)
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(chanCap int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

// Stop waits at most 2s (or ctx) for the long poll to unwind.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup, was := a.sup, a.running
	a.sup, a.running = nil, false
	a.out.Store(nil)
	a.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	a.log.Info("telegram stopped")
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each chunk.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		rs = rs[end:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, fmt.Errorf("send to %d: %w", to.ChatID, err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands publishes cmds via setMyCommands when they changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	tc := menuCommands(cmds)
	sum := menuHash(tc)
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(tc); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(tc)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Command), "/")
		if name == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = name
		}
		if r := []rune(d); len(r) > 256 {
			d = string(r[:256])
		}
		out = append(out, tele.Command{Text: name, Description: d})
		if len(out) == 100 {
			break
		}
	}
	return out
}

func menuHash(cmds []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
