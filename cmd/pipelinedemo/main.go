// Command pipelinedemo wires PipelineKit's core into a minimal HTTP
// front end: config -> logger -> semaphore -> pipeline, fronted by a chi
// router exposing a single command-execution endpoint. It mirrors the
// teacher's entry-point wiring order and graceful-shutdown structure
// (signal channel, srv.Shutdown(ctx)) without any of the gateway's
// product-specific subsystems.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/pipelinekit/config"
	"github.com/AlfredDev/pipelinekit/errkind"
	"github.com/AlfredDev/pipelinekit/logger"
	"github.com/AlfredDev/pipelinekit/middleware"
	"github.com/AlfredDev/pipelinekit/pctx"
	"github.com/AlfredDev/pipelinekit/pipeline"
	"github.com/AlfredDev/pipelinekit/semaphore"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("pipelinekit demo starting")

	sem := semaphore.New(
		cfg.MaxConcurrency,
		semaphore.WithMaxOutstanding(cfg.MaxOutstanding),
		semaphore.WithMaxQueueMemory(cfg.MaxQueueMemory),
		semaphore.WithStrategy(cfg.OverflowStrategy),
		semaphore.WithWaiterTimeout(cfg.WaiterTimeout),
		semaphore.WithCleanupInterval(cfg.CleanupInterval),
		semaphore.WithLogger(log),
	)
	defer sem.Shutdown()

	p, err := pipeline.Build(echoHandler, []middleware.Middleware{loggingMiddleware(log)},
		pipeline.WithSemaphore(sem),
		pipeline.WithAcquireTimeout(cfg.AcquireTimeout),
		pipeline.WithLogger(log),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline build failed")
	}

	r := newRouter(cfg, log, p, sem)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("pipelinekit demo listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("pipelinekit demo stopped gracefully")
	}
}

// newRouter assembles the chi router: request id, recoverer, request
// logging, then the single command endpoint and health checks.
func newRouter(cfg *config.Config, log zerolog.Logger, p *pipeline.Pipeline, sem *semaphore.Semaphore) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := sem.Health()
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})

	r.Post("/v1/commands", commandHandler(log, p))

	return r
}

type commandRequest struct {
	Payload map[string]any `json:"payload"`
}

// commandHandler decodes a command request, builds its pctx.Context, and
// runs it through the pipeline, reporting back-pressure kinds with their
// own status code rather than a flat 500.
func commandHandler(log zerolog.Logger, p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var cmd commandRequest
		if err := json.NewDecoder(req.Body).Decode(&cmd); err != nil {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}

		pc := pctx.New(pctx.Metadata{})
		result, err := p.Execute(req.Context(), cmd.Payload, pc)
		if err != nil {
			log.Error().Err(err).Str("command_id", pc.Metadata.ID).Msg("pipeline execution failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusFor(err))
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"command_id": pc.Metadata.ID, "result": result})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errkind.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errkind.IsBackPressure(err):
		return http.StatusTooManyRequests
	case errors.Is(err, errkind.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func echoHandler(ctx context.Context, cmd any, pc *pctx.Context) (middleware.Result, error) {
	return cmd, nil
}

func loggingMiddleware(log zerolog.Logger) middleware.Func {
	return middleware.Func{
		Pri: 0,
		Fn: func(ctx context.Context, cmd any, pc *pctx.Context, next middleware.Next) (middleware.Result, error) {
			start := time.Now()
			res, err := next(ctx, cmd, pc)
			log.Debug().
				Str("command_id", pc.Metadata.ID).
				Dur("duration", time.Since(start)).
				Err(err).
				Msg("command executed")
			return res, err
		},
	}
}

func mwRequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
