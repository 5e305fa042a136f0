// Package telegram is the owner-only Telegram front end for the panels.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"qlbridge/internal/eventbus"
	"qlbridge/internal/qinglong"
	"qlbridge/internal/registry"
	"qlbridge/internal/runtime/supervisor"
	"qlbridge/internal/storage"
	logx "qlbridge/pkg/logx"
)

const (
	payloadTTL     = 15 * time.Minute
	maxPayloads    = 5000
	cmdEvery       = 2 * time.Second
	cmdBurst       = 3
	defaultTimeout = 10 * time.Second
	handlerTimeout = 20 * time.Second
)

type Config struct {
	Token       string
	Owners      []int64
	PollTimeout time.Duration
}

// Backend is the registry surface the bot drives.
type Backend interface {
	Snapshot() []registry.PanelState
	Tasks(panelID string) (qinglong.TaskList, error)
	Token(panelID string) (qinglong.TokenInfo, error)
	RunTask(ctx context.Context, panelID, taskID, source, actor string) (storage.RunRecord, error)
}

// sender is the subset of *tele.Bot used for outgoing messages.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// runPayload is what an inline "run" button refers to. Telegram caps
// callback data at 64 bytes, so buttons carry a short key instead.
type runPayload struct {
	PanelID string
	TaskID  string
	Label   string
}

type Bot struct {
	cfg     Config
	log     logx.Logger
	backend Backend
	bus     eventbus.Bus
	owners  map[int64]struct{}

	tb  *tele.Bot
	out sender

	payloads *ttlcache.Cache[string, runPayload]

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

// New connects to Telegram (getMe) and registers the command handlers.
// bus may be nil to disable failure notifications.
func New(cfg Config, backend Backend, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log = log.With(logx.String("comp", "telegram"))
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	b := newBot(cfg, backend, bus, log, tb)
	b.tb = tb
	b.register()
	return b, nil
}

func newBot(cfg Config, backend Backend, bus eventbus.Bus, log logx.Logger, out sender) *Bot {
	owners := make(map[int64]struct{}, len(cfg.Owners))
	for _, id := range cfg.Owners {
		owners[id] = struct{}{}
	}
	return &Bot{
		cfg:     cfg,
		log:     log,
		backend: backend,
		bus:     bus,
		owners:  owners,
		out:     out,
		payloads: ttlcache.New(
			ttlcache.WithTTL[string, runPayload](payloadTTL),
			ttlcache.WithCapacity[string, runPayload](maxPayloads),
			ttlcache.WithDisableTouchOnHit[string, runPayload](),
		),
		limiters: map[int64]*rate.Limiter{},
	}
}

func (b *Bot) register() {
	guard := func(h func(tele.Context) error) tele.HandlerFunc {
		return b.ownerOnly(b.limited(b.recoverPanic(h)))
	}
	b.tb.Handle("/start", guard(b.onHelp))
	b.tb.Handle("/help", guard(b.onHelp))
	b.tb.Handle("/panels", guard(b.onPanels))
	b.tb.Handle("/tasks", guard(b.onTasks))
	b.tb.Handle("/run", guard(b.onRun))
	b.tb.Handle("/token", guard(b.onToken))
	b.tb.Handle(tele.OnCallback, guard(b.onCallback))
}

// Start runs the poll loop, the payload janitor and the notifier until Stop.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return
	}
	sup := supervisor.New(ctx, b.log)
	b.sup = sup

	sup.Go("payloads.janitor", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			b.payloads.Stop()
		}()
		b.payloads.Start()
		return nil
	})

	if b.bus != nil {
		events, unsub := b.bus.Subscribe(64)
		sup.Go("notify", func(ctx context.Context) error {
			defer unsub()
			b.notifyLoop(ctx, events)
			return nil
		})
	}

	if b.tb != nil {
		sup.Go("telebot.stop", func(ctx context.Context) error {
			<-ctx.Done()
			b.tb.Stop()
			return nil
		})
		// Start blocks until Stop; an early return while ctx is live is restarted.
		sup.GoRestart("telebot.poll", func(ctx context.Context) error {
			b.log.Info("polling started")
			b.tb.Start()
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("poller exited")
		}, supervisor.WithBackoff(500*time.Millisecond, 10*time.Second))
		b.updateMenu()
	}
}

// Stop ends polling and waits for the bot's goroutines until ctx ends.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	b.runMu.Unlock()
	if sup == nil {
		return nil
	}
	// Long polling may not notice cancellation promptly.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(dl))
	}
	wctx, cancel := context.WithTimeout(ctx, max(grace, 0))
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		b.log.Warn("telegram stop timed out", logx.Err(err))
	}
	b.log.Info("telegram stopped")
	return nil
}

func (b *Bot) updateMenu() {
	cmds := []tele.Command{
		{Text: "panels", Description: "List panels and token state"},
		{Text: "tasks", Description: "List tasks of a panel: /tasks <panel>"},
		{Text: "run", Description: "Run a task: /run <panel> <task-id>"},
		{Text: "token", Description: "Show token state: /token <panel>"},
	}
	if err := b.tb.SetCommands(cmds); err != nil {
		b.log.Debug("menu update failed", logx.Err(err))
	}
}

func (b *Bot) isOwner(id int64) bool {
	_, ok := b.owners[id]
	return ok
}

// allow applies the per-user command limiter.
func (b *Bot) allow(userID int64) bool {
	b.limMu.Lock()
	lim, ok := b.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(cmdEvery), cmdBurst)
		b.limiters[userID] = lim
	}
	b.limMu.Unlock()
	return lim.Allow()
}

// ownerOnly silently drops updates from anyone else.
func (b *Bot) ownerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !b.isOwner(u.ID) {
			if u != nil {
				b.log.Debug("ignored update from non-owner", logx.Int64("user_id", u.ID))
			}
			if c.Callback() != nil {
				return c.Respond()
			}
			return nil
		}
		return next(c)
	}
}

func (b *Bot) limited(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if !b.allow(c.Sender().ID) {
			if c.Callback() != nil {
				return c.Respond(&tele.CallbackResponse{Text: "Slow down"})
			}
			return c.Send("Too many commands, slow down.")
		}
		return next(c)
	}
}

func (b *Bot) recoverPanic(next func(tele.Context) error) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("panic recovered", logx.Any("panic", r))
				err = errors.New("internal error")
			}
		}()
		return next(c)
	}
}

func (b *Bot) handlerCtx() (context.Context, context.CancelFunc) {
	b.runMu.Lock()
	parent := context.Background()
	if b.sup != nil {
		parent = b.sup.Context()
	}
	b.runMu.Unlock()
	return context.WithTimeout(parent, handlerTimeout)
}

func actorOf(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.Recipient()
}

func sendReply(c tele.Context, r reply) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if r.markup != nil {
		opts.ReplyMarkup = r.markup
	}
	for i, chunk := range splitText(r.text, textLimit) {
		if i > 0 {
			opts = &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
		}
		if err := c.Send(chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) onHelp(c tele.Context) error { return sendReply(c, helpReply()) }

func (b *Bot) onPanels(c tele.Context) error { return sendReply(c, b.panels()) }

func (b *Bot) onTasks(c tele.Context) error { return sendReply(c, b.tasks(c.Args())) }

func (b *Bot) onToken(c tele.Context) error { return sendReply(c, b.token(c.Args())) }

func (b *Bot) onRun(c tele.Context) error {
	ctx, cancel := b.handlerCtx()
	defer cancel()
	return sendReply(c, b.run(ctx, c.Args(), actorOf(c.Sender())))
}

func (b *Bot) onCallback(c tele.Context) error {
	ctx, cancel := b.handlerCtx()
	defer cancel()
	answer, r := b.callback(ctx, c.Callback().Data, actorOf(c.Sender()))
	if err := c.Respond(&tele.CallbackResponse{Text: answer}); err != nil {
		b.log.Debug("callback answer failed", logx.Err(err))
	}
	if r.text == "" {
		return nil
	}
	return sendReply(c, r)
}

// notifyLoop tells every owner about failed runs.
func (b *Bot) notifyLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			text, send := failureNotice(ev)
			if !send {
				continue
			}
			for id := range b.owners {
				if _, err := b.out.Send(tele.ChatID(id), text, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
					b.log.Warn("notify failed", logx.Int64("chat_id", id), logx.Err(err))
				}
			}
		}
	}
}
