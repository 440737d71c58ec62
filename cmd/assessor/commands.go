package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/curation"
	"github.com/pavelanni/assessor/internal/extract"
	"github.com/pavelanni/assessor/internal/ingest"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Enqueue new documents from the source for extraction",
		RunE:  runSync,
	}
	f := cmd.Flags()
	f.String("location", "", "Folder or prefix to scan (required)")
	f.String("curriculum", "", "Curriculum tag for new queue items")
	f.String("subject", "", "Subject tag for new queue items")
	f.Int("attempts", 3, "Attempts when the source is unavailable")
	addCommonFlags(f)
	addSourceFlags(f)
	addStorageFlags(f)
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	defer setupLogging(v)()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	src, err := openSource(v)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	syncer := ingest.New(src, db, ingest.DefaultOptions)
	tags := ingest.TagContext{Curriculum: v.GetString("curriculum"), Subject: v.GetString("subject")}
	var res ingest.Result
	err = apperr.Retry(ctx, v.GetInt("attempts"), 2*time.Second, func(ctx context.Context) error {
		var err error
		res, err = syncer.Sync(ctx, v.GetString("location"), tags)
		return err
	})
	if err != nil {
		return fmt.Errorf("sync %s: %w", v.GetString("location"), err)
	}
	return writeJSONTo("-", res)
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Extract pending queue items (once, or polling with --interval)",
		RunE:  runProcess,
	}
	f := cmd.Flags()
	f.Duration("interval", 0, "Poll interval (0 = single pass)")
	f.Int("batch", 0, "Maximum items per pass (0 = all)")
	f.Duration("stale-after", 15*time.Minute, "Reclaim processing items older than this")
	addCommonFlags(f)
	addLLMFlags(f)
	addStorageFlags(f)
	addSourceFlags(f)
	return cmd
}

func runProcess(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	defer setupLogging(v)()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	docs, err := openStorage(ctx, v)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	src, err := openSource(v)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	llmClient, _ := newReasoner(v)
	engine := extract.NewEngine(llmClient, docs, extract.Config{
		ExtractTimeout:    v.GetDuration("extract-timeout"),
		FigureTimeout:     v.GetDuration("figure-timeout"),
		ClassifyTimeout:   v.GetDuration("classify-timeout"),
		FigureConcurrency: v.GetInt("llm-concurrency"),
	})
	p := extract.NewProcessor(engine, src, db, extract.ProcessorConfig{
		StaleAfter: v.GetDuration("stale-after"),
		Workers:    v.GetInt("llm-concurrency"),
		BatchSize:  v.GetInt("batch"),
		AutoTag:    v.GetBool("auto-tag"),
	})

	if interval := v.GetDuration("interval"); interval > 0 {
		slog.Info("polling content queue", "interval", interval)
		return p.Run(ctx, interval)
	}
	stats, err := p.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("process queue: %w", err)
	}
	slog.Info("queue pass finished", "completed", stats.Completed, "failed", stats.Failed, "skipped", stats.Skipped)
	return writeJSONTo("-", stats)
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import curated questions from JSON files into the bank",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.StringSliceP("questions", "q", nil, "Paths to questions JSON files (repeatable)")
	addCommonFlags(f)
	_ = cmd.MarkFlagRequired("questions")
	return cmd
}

func runImport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	defer setupLogging(v)()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadQuestions(cmd.Context(), db, v.GetStringSlice("questions"))
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export published bank questions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(f)
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	defer setupLogging(v)()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	questions, err := db.SearchQuestions(cmd.Context(), store.QuestionFilter{PublishedOnly: true})
	if err != nil {
		return fmt.Errorf("export questions: %w", err)
	}
	if questions == nil {
		questions = []model.Question{}
	}
	return writeJSONTo(v.GetString("output"), model.BankExport{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Count:      len(questions),
		Questions:  questions,
	})
}

func writeJSONTo(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

// loadQuestions imports each file once. A file whose content changed since
// its import is skipped so published questions are never duplicated.
func loadQuestions(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("questions file changed since last import, skipping to avoid duplicating published questions",
				"path", path)
			continue
		}

		var questions []model.QuestionImport
		if err := json.Unmarshal(data, &questions); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		now := time.Now().UTC()
		for i, qi := range questions {
			q := qi.ToQuestion(now)
			if err := curation.Publishable(q); err != nil {
				return fmt.Errorf("question %d in %s: %w", i+1, path, err)
			}
			if _, err := db.InsertQuestion(ctx, q); err != nil {
				return fmt.Errorf("insert question from %s: %w", path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported questions", "path", path, "count", len(questions))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
