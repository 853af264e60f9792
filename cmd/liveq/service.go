package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"go.liveq.dev/liveq"
	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/cache"
	memsource "go.liveq.dev/liveq/pkg/source/mem-source"
)

// service exposes topics over HTTP: POST publishes an event, GET observes
// the topic and long-polls for its current value, DELETE evicts it.
type service struct {
	lq  *liveq.LiveQuery
	src *memsource.MemSource

	Mpublished syncint64.Counter
	Mreads     syncint64.Counter
}

func newService(ctx context.Context, lq *liveq.LiveQuery, src *memsource.MemSource) (*service, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	m := lg.Meter(ctx)

	svc := &service{lq: lq, src: src}

	var err, errs error
	svc.Mpublished, err = m.SyncInt64().Counter("topic_published")
	errs = multierr.Append(errs, err)

	svc.Mreads, err = m.SyncInt64().Counter("topic_reads")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)

	return svc, errs
}

func (s *service) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/topic/", lg.Htrace(http.StripPrefix("/topic/", s), "topic"))
}

func (s *service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()
	r = r.WithContext(ctx)

	name, _, _ := strings.Cut(r.URL.Path, "/")
	if name == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.get(w, r, name)
	case http.MethodPost, http.MethodPut:
		s.post(w, r, name)
	case http.MethodDelete:
		if err := s.lq.Invalidate(ctx, name); err != nil {
			span.RecordError(err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *service) get(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.Mreads.Add(ctx, 1)

	h, err := s.lq.Observe(ctx, name)
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer func() {
		span.RecordError(h.Close(context.Background()))
	}()

	// blocks until the first event arrives or the client goes away
	v, err := h.Value(ctx)
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}

	switch v := v.(type) {
	case []byte:
		_, _ = w.Write(v)
	default:
		fmt.Fprint(w, v)
	}
}

func (s *service) post(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	b, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body.Close()

	if err := s.src.Publish(ctx, cache.HashKey(name), string(b)); err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.Mpublished.Add(ctx, 1)
	span.AddEvent(fmt.Sprint("POST topic=", name, " bytes=", len(b)))

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "OK")
}
