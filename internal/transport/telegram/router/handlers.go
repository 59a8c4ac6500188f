package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hostbot/internal/control"
	kit "hostbot/internal/transport"
	"hostbot/pkg/tgui"
)

// logReplyRunes keeps /logs inside one Telegram message.
const logReplyRunes = 3500

func (r *Router) commands() []Command {
	action := func(name string) HandlerFunc {
		return func(ctx context.Context, req *Request) error { return r.handleAction(ctx, req, name) }
	}
	return []Command{
		{Name: "apps", Aliases: []string{"list", "ls"}, Description: "list deployments", Usage: "/apps", Handle: r.handleApps},
		{Name: "start", Description: "start an app", Usage: "/start <app>", Handle: action(control.ActionStart)},
		{Name: "stop", Description: "stop an app", Usage: "/stop <app>", Handle: action(control.ActionStop)},
		{Name: "restart", Description: "restart an app", Usage: "/restart <app>", Handle: action(control.ActionRestart)},
		{Name: "delete", Aliases: []string{"rm"}, Description: "stop and remove an app", Usage: "/delete <app>", Handle: action(control.ActionDelete)},
		{Name: "logs", Description: "show the log tail", Usage: "/logs <app> [--bytes N]", Handle: r.handleLogs},
		{
			Name:        "broadcast",
			Aliases:     []string{"bc"},
			Description: "send a message to every recipient",
			Usage:       `/broadcast [--apps a,b] [--image url] [--button "label|url"] text`,
			Timeout:     30 * time.Minute,
			Handle:      r.handleBroadcast,
		},
		{Name: "history", Description: "recent broadcasts", Usage: "/history [n]", Handle: r.handleHistory},
		{Name: "ps", Description: "tracked processes", Usage: "/ps", Handle: r.handlePS},
		{Name: "help", Aliases: []string{"h"}, Description: "show this help", Usage: "/help", Handle: r.handleHelp},
	}
}

// Menu is the command list published to Telegram's autocomplete.
func (r *Router) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) replyErr(ctx context.Context, req *Request, err error) {
	code := control.Code(err)
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timed out"
	}
	r.reply(ctx, req.Chat, tgui.Cat("❌ ", tgui.Code(code), " ", tgui.Esc(msg)).String())
}

func needApp(req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", fmt.Errorf("%w: usage /%s <app>", control.ErrInvalidArgument, req.Command)
	}
	return req.Args[0], nil
}

func (r *Router) handleApps(ctx context.Context, req *Request) error {
	apps, err := r.ctl.List(ctx, r.opts.Tenant)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		r.reply(ctx, req.Chat, "no apps yet, send a .zip or script to deploy one")
		return nil
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("Apps (%d)", len(apps)))}
	for _, a := range apps {
		dot := "🔴"
		if a.Running {
			dot = "🟢"
		}
		line := tgui.Cat(tgui.H(dot+" "), tgui.Code(a.Name), tgui.Esc(" "+a.State))
		if a.Running {
			line = tgui.Cat(line, tgui.Esc(fmt.Sprintf(" pid %d, up %s", a.PID, a.Uptime)))
		}
		if a.HasToken {
			line = tgui.Cat(line, " 🔑")
		}
		lines = append(lines, line)
	}
	r.reply(ctx, req.Chat, tgui.Lines(lines...).String())
	return nil
}

func (r *Router) handleAction(ctx context.Context, req *Request, action string) error {
	app, err := needApp(req)
	if err != nil {
		return err
	}
	if err := r.ctl.Action(ctx, r.opts.Tenant, app, action); err != nil {
		return err
	}
	done := map[string]string{
		control.ActionStart:   "started",
		control.ActionStop:    "stopped",
		control.ActionRestart: "restarted",
		control.ActionDelete:  "deleted",
	}[action]
	r.reply(ctx, req.Chat, tgui.Cat("✅ ", tgui.Code(app), tgui.Esc(" "+done)).String())
	return nil
}

func (r *Router) handleLogs(ctx context.Context, req *Request) error {
	app, err := needApp(req)
	if err != nil {
		return err
	}
	var n int64
	if v, ok := req.Flags["bytes"]; ok {
		n, err = strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: --bytes must be a positive number", control.ErrInvalidArgument)
		}
	}
	tail, err := r.ctl.Logs(ctx, r.opts.Tenant, app, n)
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, tgui.Lines(tgui.B("📜 "+app), tgui.Pre(tgui.TailRunes(tail, logReplyRunes))).String())
	return nil
}

var broadcastFlags = map[string]bool{"apps": true, "image": true, "button": true}

func (r *Router) handleBroadcast(ctx context.Context, req *Request) error {
	flags, text := cutFlags(req.Raw, broadcastFlags)
	br := control.BroadcastRequest{
		Text:     strings.TrimSpace(text),
		ImageURL: flags["image"],
	}
	if v := flags["apps"]; v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				br.Apps = append(br.Apps, a)
			}
		}
	}
	if v, ok := flags["button"]; ok {
		label, url, found := strings.Cut(v, "|")
		if !found {
			return fmt.Errorf("%w: --button wants \"label|url\"", control.ErrInvalidArgument)
		}
		br.ButtonLabel, br.ButtonURL = strings.TrimSpace(label), strings.TrimSpace(url)
	}

	r.reply(ctx, req.Chat, "📣 broadcasting…")
	res, err := r.ctl.Broadcast(ctx, r.opts.Tenant, br)
	if err != nil {
		return err
	}
	lines := []tgui.H{
		tgui.B("📣 Broadcast finished"),
		tgui.Esc(fmt.Sprintf("recipients: %d", res.TotalRecipients)),
		tgui.Esc(fmt.Sprintf("delivered: %d, failed: %d", res.Success, res.Failed)),
		tgui.Esc(fmt.Sprintf("batches: %d in %s", res.Batches, res.Took.Truncate(time.Millisecond))),
		tgui.Cat("token from ", tgui.Code(res.TokenFrom.App)),
	}
	if res.Tokens > 1 {
		lines = append(lines, tgui.I(fmt.Sprintf("⚠️ %d different bot tokens in scope; all recipients got the message from the first", res.Tokens)))
	}
	r.reply(ctx, req.Chat, tgui.Lines(lines...).String())
	return nil
}

func (r *Router) handleHistory(ctx context.Context, req *Request) error {
	limit := 10
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: usage /history [n]", control.ErrInvalidArgument)
		}
		limit = min(n, 50)
	}
	recs, err := r.ctl.History(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		r.reply(ctx, req.Chat, "no broadcasts yet")
		return nil
	}
	lines := []tgui.H{tgui.B("Recent broadcasts")}
	for _, rec := range recs {
		lines = append(lines, tgui.Cat(
			tgui.Code(rec.At.Local().Format("01-02 15:04")),
			tgui.Esc(fmt.Sprintf(" %d/%d ok [%s] ", rec.Success, rec.Total, rec.Scope)),
			tgui.I(tgui.TruncRunes(rec.Excerpt, 40)),
		))
	}
	r.reply(ctx, req.Chat, tgui.Lines(lines...).String())
	return nil
}

func (r *Router) handlePS(ctx context.Context, req *Request) error {
	ps := r.ctl.Processes()
	if len(ps) == 0 {
		r.reply(ctx, req.Chat, "no processes")
		return nil
	}
	lines := []tgui.H{tgui.B("Processes")}
	for _, st := range ps {
		line := tgui.Cat(tgui.Code(st.Key.String()), tgui.Esc(" "+st.State.String()))
		if st.PID > 0 {
			line = tgui.Cat(line, tgui.Esc(fmt.Sprintf(" pid %d", st.PID)))
		}
		if !st.StartedAt.IsZero() && st.Running() {
			line = tgui.Cat(line, tgui.Esc(" up "+time.Since(st.StartedAt).Truncate(time.Second).String()))
		}
		lines = append(lines, line)
	}
	r.reply(ctx, req.Chat, tgui.Lines(lines...).String())
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	lines := []tgui.H{
		tgui.B("Commands"),
		tgui.Esc("Send a .zip or a single script to deploy it."),
		"",
	}
	for _, c := range r.cmds {
		lines = append(lines, tgui.Cat("• ", tgui.Code(c.Usage), tgui.Esc(" - "+c.Description)))
	}
	r.reply(ctx, req.Chat, tgui.Lines(lines...).String())
	return nil
}

func (r *Router) handleUpload(ctx context.Context, req *Request) error {
	doc := req.Update.Message.Document
	if r.opts.MaxUploadBytes > 0 && doc.Size > r.opts.MaxUploadBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", control.ErrInvalidArgument, doc.FileName, doc.Size, r.opts.MaxUploadBytes)
	}
	path, err := r.uploadPath()
	if err != nil {
		return err
	}
	defer os.Remove(path)
	if err := r.adapter.Download(ctx, *doc, path); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r.reply(ctx, req.Chat, tgui.Cat("📦 deploying ", tgui.Code(doc.FileName), "…").String())
	res, err := r.ctl.Deploy(ctx, r.opts.Tenant, doc.FileName, f)
	if err != nil {
		return err
	}
	note := "deployed, use /start " + res.Deployment.Key.App
	if res.Restarted {
		note = "deployed and restarted"
	}
	r.reply(ctx, req.Chat, tgui.Cat("✅ ", tgui.Code(res.Deployment.Key.App), tgui.Esc(" "+note)).String())
	return nil
}
