package telegram

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	tele "gopkg.in/telebot.v4"

	"qlbridge/internal/entity"
	"qlbridge/internal/eventbus"
	"qlbridge/internal/qinglong"
	"qlbridge/internal/registry"
)

const (
	callbackRun    = "run:"
	maxTaskButtons = 40
)

type reply struct {
	text   string
	markup *tele.ReplyMarkup
}

func textReply(format string, args ...any) reply {
	return reply{text: fmt.Sprintf(format, args...)}
}

var esc = html.EscapeString

func helpReply() reply {
	return reply{text: strings.Join([]string{
		"<b>QingLong bridge</b>",
		"/panels: panels and token state",
		"/tasks &lt;panel&gt;: tasks with run buttons",
		"/run &lt;panel&gt; &lt;task-id&gt;: run a task",
		"/token &lt;panel&gt;: token details",
	}, "\n")}
}

func (b *Bot) panels() reply {
	snap := b.backend.Snapshot()
	if len(snap) == 0 {
		return textReply("No panels configured.")
	}
	var sb strings.Builder
	sb.WriteString("<b>Panels</b>\n")
	for _, p := range snap {
		fmt.Fprintf(&sb, "\n<b>%s</b> <code>%s</code>\n%s\n", esc(p.Name), esc(p.ID), esc(p.BaseURL))
		if info, err := b.backend.Token(p.ID); err == nil {
			fmt.Fprintf(&sb, "token: %s\n", tokenSummary(info))
		}
		if tl, err := b.backend.Tasks(p.ID); err == nil {
			en, dis := tl.Counts()
			fmt.Fprintf(&sb, "tasks: %d (%d enabled, %d disabled)\n", tl.Len(), en, dis)
		}
	}
	return reply{text: sb.String()}
}

func tokenSummary(info qinglong.TokenInfo) string {
	if info.Value == "" {
		return "none"
	}
	state := "valid"
	switch {
	case !info.Valid:
		state = "invalid"
	case info.NeedsRefresh:
		state = "renewing"
	}
	return fmt.Sprintf("%s, expires in %s", state, entity.FormatRemaining(info.Remaining))
}

func (b *Bot) tasks(args []string) reply {
	if len(args) < 1 {
		return textReply("Usage: /tasks &lt;panel&gt;")
	}
	panelID := args[0]
	tl, err := b.backend.Tasks(panelID)
	if err != nil {
		return errorReply(panelID, err)
	}
	if tl.Len() == 0 {
		return textReply("Panel <code>%s</code> has no tasks.", esc(panelID))
	}

	tasks := append([]qinglong.Task(nil), tl.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Enabled != tasks[j].Enabled {
			return tasks[i].Enabled
		}
		return tasks[i].DisplayName < tasks[j].DisplayName
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Tasks on %s</b> (%d)\n", esc(panelID), len(tasks))
	var btns []tele.Btn
	for _, t := range tasks {
		mark := "✅"
		if !t.Enabled {
			mark = "⏸"
		}
		fmt.Fprintf(&sb, "%s <code>%s</code> %s", mark, esc(t.ID), esc(t.DisplayName))
		if t.Schedule != "" {
			fmt.Fprintf(&sb, " <i>%s</i>", esc(t.Schedule))
		}
		sb.WriteByte('\n')
		if t.Enabled && len(btns) < maxTaskButtons {
			key := b.putPayload(runPayload{PanelID: panelID, TaskID: t.ID, Label: t.DisplayName})
			btns = append(btns, tele.Btn{Text: "▶ " + truncate(t.DisplayName, 28), Data: callbackRun + key})
		}
	}

	r := reply{text: sb.String()}
	if len(btns) > 0 {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Split(2, btns)...)
		r.markup = rm
	}
	return r
}

func (b *Bot) token(args []string) reply {
	if len(args) < 1 {
		return textReply("Usage: /token &lt;panel&gt;")
	}
	info, err := b.backend.Token(args[0])
	if err != nil {
		return errorReply(args[0], err)
	}
	if info.Value == "" {
		return textReply("Panel <code>%s</code> holds no token.", esc(args[0]))
	}
	last := "never"
	if info.LastRefreshTime > 0 {
		last = time.Unix(info.LastRefreshTime, 0).Format(time.DateTime)
	}
	return textReply(strings.Join([]string{
		"<b>Token of %s</b>",
		"prefix: <code>%s</code>",
		"expires: %s (%s)",
		"valid: %t, needs refresh: %t",
		"last refresh attempt: %s",
	}, "\n"),
		esc(args[0]),
		esc(tokenPrefix(info.Value)),
		time.Unix(info.Expiry, 0).Format(time.DateTime), entity.FormatRemaining(info.Remaining),
		info.Valid, info.NeedsRefresh,
		last,
	)
}

func (b *Bot) run(ctx context.Context, args []string, actor string) reply {
	if len(args) < 2 {
		return textReply("Usage: /run &lt;panel&gt; &lt;task-id&gt;")
	}
	return b.runTask(ctx, args[0], args[1], actor)
}

func (b *Bot) runTask(ctx context.Context, panelID, taskID, actor string) reply {
	rec, err := b.backend.RunTask(ctx, panelID, taskID, registry.SourceTelegram, actor)
	if err != nil {
		return errorReply(panelID, err)
	}
	name := rec.Task
	if name == "" {
		name = "#" + taskID
	}
	if !rec.OK {
		return textReply("❌ %s on <code>%s</code> was not started.", esc(name), esc(panelID))
	}
	return textReply("▶ %s on <code>%s</code> started.", esc(name), esc(panelID))
}

// callback handles an inline button press and returns the popup answer plus
// an optional chat reply.
func (b *Bot) callback(ctx context.Context, data, actor string) (string, reply) {
	key, ok := strings.CutPrefix(data, callbackRun)
	if !ok {
		return "Unknown action", reply{}
	}
	item := b.payloads.Get(key)
	if item == nil {
		return "This button has expired, send /tasks again", reply{}
	}
	p := item.Value()
	r := b.runTask(ctx, p.PanelID, p.TaskID, actor)
	return "Run requested", r
}

func (b *Bot) putPayload(p runPayload) string {
	var raw [9]byte
	_, _ = rand.Read(raw[:])
	key := base64.RawURLEncoding.EncodeToString(raw[:])
	b.payloads.Set(key, p, ttlcache.DefaultTTL)
	return key
}

func errorReply(panelID string, err error) reply {
	if errors.Is(err, registry.ErrNotFound) {
		return textReply("Unknown panel <code>%s</code>. Try /panels.", esc(panelID))
	}
	return textReply("Error: %s", esc(err.Error()))
}

// failureNotice renders a failed task.run event.
func failureNotice(ev eventbus.Event) (string, bool) {
	if ev.Type != eventbus.TaskRun {
		return "", false
	}
	d, ok := ev.Data.(eventbus.RunData)
	if !ok || d.OK {
		return "", false
	}
	name := d.Task
	if name == "" {
		name = "#" + d.TaskID
	}
	return fmt.Sprintf("⚠️ Run of <b>%s</b> on <code>%s</code> failed (via %s).",
		esc(name), esc(ev.PanelID), esc(d.Source)), true
}

func tokenPrefix(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:8] + "…"
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
