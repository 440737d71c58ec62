package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pavelanni/assessor/internal/assemble"
	"github.com/pavelanni/assessor/internal/bank"
	"github.com/pavelanni/assessor/internal/curation"
	"github.com/pavelanni/assessor/internal/evaluate"
	"github.com/pavelanni/assessor/internal/export"
	"github.com/pavelanni/assessor/internal/extract"
	"github.com/pavelanni/assessor/internal/gaps"
	"github.com/pavelanni/assessor/internal/handler"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/ingest"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/store"
	"github.com/pavelanni/assessor/internal/tracing"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default export language (en, ru)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("assemble-strategy", assemble.StrategyReasoning, "Paper selection strategy (reasoning, greedy)")
	f.Duration("stale-after", 15*time.Minute, "Reclaim processing items older than this")
	f.Duration("process-interval", 0, "Poll the content queue at this interval (0 = off)")
	f.Bool("skip-llm-check", false, "Start without checking the LLM endpoint")
	f.String("tracing-endpoint", "", "Jaeger collector endpoint (empty = tracing off)")
	addCommonFlags(f)
	addLLMFlags(f)
	addStorageFlags(f)
	addSourceFlags(f)
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	defer setupLogging(v)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	metrics.Init()

	if endpoint := v.GetString("tracing-endpoint"); endpoint != "" {
		shutdown, err := tracing.Init("assessor", endpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	llmClient, gen := newReasoner(v)
	if !v.GetBool("skip-llm-check") {
		if err := gen.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	docs, err := openStorage(ctx, v)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	src, err := openSource(v)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	cfg := pipelineConfig(v)
	engine := extract.NewEngine(llmClient, docs, extract.Config{
		ExtractTimeout:    cfg.ExtractTimeout,
		FigureTimeout:     cfg.FigureTimeout,
		ClassifyTimeout:   cfg.ClassifyTimeout,
		FigureConcurrency: v.GetInt("llm-concurrency"),
	})
	processor := extract.NewProcessor(engine, src, db, extract.ProcessorConfig{
		StaleAfter: cfg.StaleAfter,
		Workers:    v.GetInt("llm-concurrency"),
		AutoTag:    cfg.AutoTag,
	})
	exporter, err := export.New(docs, db)
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	h, err := handler.New(handler.Deps{
		Store:     db,
		Syncer:    ingest.New(src, db, ingest.DefaultOptions),
		Engine:    engine,
		Processor: processor,
		Curation:  curation.New(db),
		Bank:      bank.New(db, llmClient, cfg.ClassifyTimeout),
		Assembler: assemble.New(llmClient, db, cfg.AssembleStrategy, cfg.ExtractTimeout),
		Exporter:  exporter,
		Evaluator: evaluate.New(llmClient, db, docs, promptVariant(v), cfg.EvaluateTimeout),
		Gaps:      gaps.New(llmClient, db, cfg.ClassifyTimeout),
		Config:    cfg,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	if interval := v.GetDuration("process-interval"); interval > 0 {
		go func() {
			if err := processor.Run(ctx, interval); err != nil {
				slog.Error("queue processor stopped", "error", err)
			}
		}()
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"storage", v.GetString("storage"),
		"source", v.GetString("source"),
		"assemble_strategy", cfg.AssembleStrategy,
		"process_interval", v.GetDuration("process-interval"),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
