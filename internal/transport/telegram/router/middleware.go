package router

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"hostbot/internal/control"
	logx "hostbot/pkg/logx"
)

// Middleware wraps a handler. Chain applies the first one outermost.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// errPanic reaches the chat as an internal error; the stack only goes to the log.
var errPanic = errors.New("command crashed, see daemon log")

func recoverPanics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("command panic", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					err = errPanic
				}
			}()
			return next(ctx, req)
		}
	}
}

// logOutcome writes one line per command. Quick successes go to DEBUG.
func logOutcome(slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int("args", len(req.Args)),
				logx.String("code", control.Code(err)),
				logx.Duration("took", time.Since(began)),
			}
			if len(req.Args) > 0 {
				fields = append(fields, logx.String("target", req.Args[0]))
			}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case time.Since(began) >= slow:
				req.Logger.Info("command done", fields...)
			default:
				req.Logger.Debug("command done", fields...)
			}
			return err
		}
	}
}

func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// attachActor records the sender on ctx for control's audit trail.
func attachActor() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			return next(control.WithActor(ctx, control.Actor{
				ID:       req.FromID,
				Username: req.FromUsername,
				ChatID:   req.Chat.ChatID,
			}), req)
		}
	}
}
