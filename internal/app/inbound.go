package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"livenudge/internal/storage"
	"livenudge/internal/task/scheduler"
	kit "livenudge/internal/transport"
	"livenudge/pkg/logx"
)

const (
	inboundWorkers   = 4
	inboundQueueSize = 64
	handleTimeout    = 15 * time.Second
	defaultConvTitle = "chat"
)

// InboundStore is the storage subset the inbound loop writes to.
type InboundStore interface {
	EnsureUser(ctx context.Context, id int64, username string, defaults storage.NudgeSettings) (storage.User, bool, error)
	ActiveConversation(ctx context.Context, userID int64) (int64, bool, error)
	CreateConversation(ctx context.Context, userID int64, title string) (int64, error)
	AppendMessage(ctx context.Context, convID int64, role, content string, at time.Time) (int64, error)
}

// Nudger is the nudge service surface driven by chat traffic and commands.
type Nudger interface {
	ArmSilenceCheck(ctx context.Context, userID, convID int64, delay time.Duration) error
	SetEnabled(ctx context.Context, userID int64, on bool) error
	RebuildAll(ctx context.Context) (int, error)
	Timers(userID int64) []scheduler.Key
}

var menu = []kit.BotCommand{
	{Command: "start", Description: "Start chatting"},
	{Command: "live", Description: "Turn check-ins on or off"},
	{Command: "help", Description: "Show commands"},
}

type inbound struct {
	log    logx.Logger
	store  InboundStore
	nudger Nudger
	out    kit.TextSender
	diag   func() scheduler.Snapshot
	now    func() time.Time

	mu       sync.RWMutex
	owners   []int64
	defaults storage.NudgeSettings
}

func newInbound(log logx.Logger, store InboundStore, nudger Nudger, out kit.TextSender, diag func() scheduler.Snapshot) *inbound {
	return &inbound{log: log, store: store, nudger: nudger, out: out, diag: diag, now: time.Now}
}

func (in *inbound) SetOwners(owners []int64) {
	in.mu.Lock()
	in.owners = slices.Clone(owners)
	in.mu.Unlock()
}

func (in *inbound) SetDefaults(d storage.NudgeSettings) {
	in.mu.Lock()
	in.defaults = d
	in.mu.Unlock()
}

func (in *inbound) isOwner(id int64) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return slices.Contains(in.owners, id)
}

func (in *inbound) profileDefaults() storage.NudgeSettings {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.defaults
}

// Run fans updates out to a fixed set of workers sharded by sender, so one
// user's messages are handled in order and never concurrently.
func (in *inbound) Run(ctx context.Context, updates <-chan kit.Update) error {
	shards := make([]chan *kit.Message, inboundWorkers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan *kit.Message, inboundQueueSize)
		wg.Add(1)
		go func(ch <-chan *kit.Message) {
			defer wg.Done()
			for m := range ch {
				in.safeHandle(ctx, m)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		in.log.Info("inbound loop stopped")
	}()

	in.log.Info("inbound loop started", logx.Int("workers", inboundWorkers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil || up.Message.FromID == 0 {
				continue
			}
			ch := shards[uint64(up.Message.FromID)%uint64(len(shards))]
			select {
			case ch <- up.Message:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (in *inbound) safeHandle(ctx context.Context, m *kit.Message) {
	defer func() {
		if r := recover(); r != nil {
			in.log.Error("panic in inbound handler", logx.UserID(m.FromID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	in.handle(hctx, m)
}

func (in *inbound) handle(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		in.command(ctx, m, text)
		return
	}
	if !m.IsPrivate {
		return
	}
	if err := in.record(ctx, m.FromID, m.FromUsername, text); err != nil {
		in.log.Warn("inbound message not recorded", logx.UserID(m.FromID), logx.Err(err))
	}
}

// record upserts the user, stores the message in the active conversation and
// arms a silence check on it.
func (in *inbound) record(ctx context.Context, userID int64, username, text string) error {
	convID, err := in.conversation(ctx, userID, username)
	if err != nil {
		return err
	}
	if _, err := in.store.AppendMessage(ctx, convID, storage.RoleUser, text, in.now()); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return in.nudger.ArmSilenceCheck(ctx, userID, convID, 0)
}

func (in *inbound) conversation(ctx context.Context, userID int64, username string) (int64, error) {
	if _, created, err := in.store.EnsureUser(ctx, userID, username, in.profileDefaults()); err != nil {
		return 0, fmt.Errorf("ensure user: %w", err)
	} else if created {
		in.log.Info("user registered", logx.UserID(userID))
	}
	convID, ok, err := in.store.ActiveConversation(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("active conversation: %w", err)
	}
	if ok {
		return convID, nil
	}
	convID, err = in.store.CreateConversation(ctx, userID, defaultConvTitle)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return convID, nil
}

func (in *inbound) command(ctx context.Context, m *kit.Message, text string) {
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if bare, _, ok := strings.Cut(word, "@"); ok {
		word = bare
	}
	args := parts[1:]
	log := in.log.With(logx.String("cmd", word), logx.UserID(m.FromID))

	switch word {
	case "start":
		if _, err := in.conversation(ctx, m.FromID, m.FromUsername); err != nil {
			log.Warn("start failed", logx.Err(err))
			in.reply(ctx, m, "Something went wrong, please try again later.")
			return
		}
		in.reply(ctx, m, "Hi! I will check in with you from time to time. Send /live off to stop.")
	case "help":
		in.reply(ctx, m, helpText(in.isOwner(m.FromID)))
	case "live":
		in.live(ctx, log, m, args)
	case "reload":
		if !in.isOwner(m.FromID) {
			return
		}
		n, err := in.nudger.RebuildAll(ctx)
		if err != nil {
			log.Warn("rebuild all failed", logx.Int("rebuilt", n), logx.Err(err))
			in.reply(ctx, m, fmt.Sprintf("rebuilt %d users, with errors: %v", n, err))
			return
		}
		log.Info("rebuild all done", logx.Int("rebuilt", n))
		in.reply(ctx, m, fmt.Sprintf("rebuilt %d users", n))
	case "diag":
		if !in.isOwner(m.FromID) {
			return
		}
		in.reply(ctx, m, formatDiag(in.diag(), in.nudger.Timers(m.FromID)))
	}
}

func (in *inbound) live(ctx context.Context, log logx.Logger, m *kit.Message, args []string) {
	if len(args) != 1 {
		in.reply(ctx, m, "usage: /live on|off")
		return
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
	default:
		in.reply(ctx, m, "usage: /live on|off")
		return
	}
	if _, err := in.conversation(ctx, m.FromID, m.FromUsername); err != nil {
		log.Warn("live toggle failed", logx.Err(err))
		in.reply(ctx, m, "Something went wrong, please try again later.")
		return
	}
	if err := in.nudger.SetEnabled(ctx, m.FromID, on); err != nil {
		log.Warn("live toggle failed", logx.Err(err))
		in.reply(ctx, m, "Something went wrong, please try again later.")
		return
	}
	log.Info("live toggled", logx.Bool("on", on))
	if on {
		in.reply(ctx, m, "Check-ins are on.")
	} else {
		in.reply(ctx, m, "Check-ins are off.")
	}
}

func (in *inbound) reply(ctx context.Context, m *kit.Message, text string) {
	if in.out == nil {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := in.out.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		in.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func helpText(owner bool) string {
	var b strings.Builder
	b.WriteString("/start - start chatting\n")
	b.WriteString("/live on|off - turn check-ins on or off\n")
	b.WriteString("/help - show this message")
	if owner {
		b.WriteString("\n/reload - rebuild every user's plan\n")
		b.WriteString("/diag - scheduler state and your timers")
	}
	return b.String()
}

func formatDiag(s scheduler.Snapshot, mine []scheduler.Key) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scheduler: enabled=%t tz=%s\n", s.Enabled, s.Timezone)
	fmt.Fprintf(&b, "user timers: %d across %d users\n", s.UserTimers, s.Users)
	e := s.Engine
	fmt.Fprintf(&b, "engine: workers=%d queue=%d/%d inflight=%d done=%d failed=%d dropped=%d\n",
		e.Workers, e.QueueLen, e.QueueCap, e.InFlight, e.Completed, e.Failed, e.DroppedQueueFull+e.DroppedStale)
	fmt.Fprintf(&b, "schedules: %d\n", len(s.Schedules))
	for _, it := range s.Schedules {
		next := "-"
		if !it.Next.IsZero() {
			next = it.Next.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "  %s %s next=%s\n", it.Name, it.Spec, next)
	}
	if len(mine) == 0 {
		b.WriteString("your timers: none")
		return b.String()
	}
	b.WriteString("your timers:")
	for _, k := range mine {
		fmt.Fprintf(&b, "\n  %s at %s", k.Kind, k.Time().UTC().Format(time.RFC3339))
	}
	return b.String()
}
