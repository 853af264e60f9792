package lg

import (
	"context"
	"log"

	"go.uber.org/multierr"
)

func Init(ctx context.Context, name string) (context.Context, func() error) {
	stop := [3]func() error{
		initLogger(name),
	}
	ctx, stop[1] = initMetrics(ctx, name)
	ctx, stop[2] = initTracing(ctx, name)

	reverse(stop[:])

	return ctx, func() error {
		log.Println("flushing logs...")
		var errs error
		for _, fn := range stop {
			if fn == nil {
				continue
			}
			errs = multierr.Append(errs, fn())
		}
		log.Println("all stopped.")
		return errs
	}
}
