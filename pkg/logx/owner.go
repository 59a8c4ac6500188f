package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "hostbot/internal/transport"
	"hostbot/pkg/tgui"
)

const (
	ownerQueueSize  = 128
	ownerMaxRunes   = 3500
	ownerFieldRunes = 300
)

// ownerSink forwards events at or above a level to one chat as HTML. Writes
// never block: lines beyond the rate or queue capacity are counted and dropped.
type ownerSink struct {
	mu      sync.Mutex
	sender  kit.Adapter
	to      kit.ChatTarget
	min     zerolog.Level
	limiter *rate.Limiter

	queue   chan string
	dropped atomic.Uint64

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newOwnerSink() *ownerSink {
	return &ownerSink{
		min:     zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
		queue:   make(chan string, ownerQueueSize),
	}
}

func (o *ownerSink) setSender(a kit.Adapter) {
	o.mu.Lock()
	o.sender = a
	o.mu.Unlock()
}

func (o *ownerSink) setTarget(chatID int64, threadID int) {
	o.mu.Lock()
	o.to.ChatID = chatID
	if threadID != 0 {
		o.to.ThreadID = threadID
	}
	o.mu.Unlock()
}

func (o *ownerSink) configure(cfg TelegramConfig) {
	rps := max(cfg.RatePerSec, 1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if o.limiter.Limit() != rate.Limit(rps) {
		o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if cfg.ThreadID != 0 {
		o.to.ThreadID = cfg.ThreadID
	}
}

func (o *ownerSink) start() {
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.mu.Lock()
		o.cancel = cancel
		o.done = make(chan struct{})
		done := o.done
		o.mu.Unlock()
		go func() {
			defer close(done)
			o.run(ctx)
		}()
	})
}

func (o *ownerSink) stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *ownerSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.queue:
			o.mu.Lock()
			sender, to := o.sender, o.to
			o.mu.Unlock()
			if sender == nil || to.ChatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, to, msg, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
		}
	}
}

func (o *ownerSink) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.InfoLevel, p) }

func (o *ownerSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	chat, floor, lim := o.to.ChatID, o.min, o.limiter
	o.mu.Unlock()
	if chat == 0 || level < floor {
		return len(p), nil
	}
	if !lim.Allow() {
		o.dropped.Add(1)
		return len(p), nil
	}
	select {
	case o.queue <- renderOwnerLine(p):
	default:
		o.dropped.Add(1)
	}
	return len(p), nil
}

var levelBadge = map[string]string{
	"warn":  "⚠️",
	"error": "🛑",
	"fatal": "🛑",
	"panic": "🛑",
}

// renderOwnerLine turns one JSON event into a short HTML message: badge,
// level, component and message on the first line, remaining fields below.
func renderOwnerLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return tgui.Pre(tgui.TruncRunes(strings.TrimSpace(string(p)), ownerMaxRunes)).String()
	}
	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)
	comp, _ := m["comp"].(string)

	head := tgui.Cat(tgui.H(levelBadge[lvl]+" "), tgui.B(strings.ToUpper(lvl)))
	if comp != "" {
		head = tgui.Cat(head, " ", tgui.Code(comp))
	}
	head = tgui.Cat(head, " ", tgui.Esc(msg))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, "comp":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := []tgui.H{head}
	for _, k := range keys {
		v := tgui.TruncRunes(fmt.Sprint(m[k]), ownerFieldRunes)
		lines = append(lines, tgui.Cat(tgui.Code(k), tgui.Esc(": "+v)))
	}
	out := tgui.Lines(lines...).String()
	if len([]rune(out)) > ownerMaxRunes {
		// HTML cannot be cut mid-tag; send the head alone
		return head.String()
	}
	return out
}
