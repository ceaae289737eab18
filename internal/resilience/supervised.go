package resilience

import (
	"context"
	"errors"
	"log/slog"
)

// SupervisedTask spawns fn in a background goroutine. Any error it returns is
// logged, unless it is context.Canceled (a cooperative shutdown, logged at
// debug instead). A panic inside fn is recovered and logged rather than
// crashing the process — background loops must never take the Hub down.
func SupervisedTask(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("resilience: supervised task panicked", "task", name, "panic", r)
			}
		}()

		err := fn(ctx)
		switch {
		case err == nil:
			return
		case errors.Is(err, context.Canceled):
			slog.Debug("resilience: supervised task cancelled", "task", name)
		default:
			slog.Error("resilience: supervised task failed", "task", name, "error", err)
		}
	}()
}
