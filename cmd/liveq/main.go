package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"go.liveq.dev/liveq"
	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/env"
	"go.liveq.dev/liveq/pkg/slice"
	memsource "go.liveq.dev/liveq/pkg/source/mem-source"
)

const appName = "liveq"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	go func() {
		<-ctx.Done()
		defer cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
func run(ctx context.Context) error {
	ctx, stop := lg.Init(ctx, appName)
	defer func() { _ = stop() }()

	src := memsource.New(ctx)

	lq, err := liveq.New(ctx, src)
	if err != nil {
		return err
	}

	svc, err := newService(ctx, lq, src)
	if err != nil {
		return err
	}

	s := http.Server{
		Addr: env.Default("LIVEQ_HTTP", ":8080"),
	}
	s.Handler = httpMux(slice.FilterType[interface{ RegisterHTTP(*http.ServeMux) }](
		svc,
		lg.NewHTTP(ctx),
	)...)

	log.Print("Listen on ", s.Addr)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(s.ListenAndServe)

	g.Go(func() error {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(ctx)
	})

	return g.Wait()
}
