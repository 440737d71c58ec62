package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/pavelanni/assessor/internal/assemble"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/source"
	"github.com/pavelanni/assessor/internal/storage"
)

func pipelineConfig(v *viper.Viper) model.PipelineConfig {
	strategy := v.GetString("assemble-strategy")
	if strategy != assemble.StrategyGreedy {
		strategy = assemble.StrategyReasoning
	}
	return model.PipelineConfig{
		ExtractTimeout:   v.GetDuration("extract-timeout"),
		FigureTimeout:    v.GetDuration("figure-timeout"),
		EvaluateTimeout:  v.GetDuration("evaluate-timeout"),
		ClassifyTimeout:  v.GetDuration("classify-timeout"),
		StaleAfter:       v.GetDuration("stale-after"),
		AutoTag:          v.GetBool("auto-tag"),
		AssembleStrategy: strategy,
		ExportLang:       v.GetString("lang"),
	}
}

// newReasoner connects to the reasoning service. The generator is returned
// for health checks.
func newReasoner(v *viper.Viper) (*llm.Client, *llm.OpenAIGenerator) {
	gen := llm.NewOpenAI(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.OpenAIOptions{
			Structured:      v.GetBool("llm-structured"),
			InlineDocuments: v.GetBool("llm-inline-documents"),
		},
	)
	client := llm.New(gen, llm.Options{
		Concurrency:       v.GetInt("llm-concurrency"),
		RequestsPerSecond: v.GetFloat64("llm-rps"),
	})
	return client, gen
}

func openStorage(ctx context.Context, v *viper.Viper) (storage.Store, error) {
	switch backend := v.GetString("storage"); backend {
	case "local", "":
		return storage.NewLocal(v.GetString("storage-dir"), v.GetString("storage-base-url"))
	case "minio":
		return storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			Bucket:    v.GetString("minio-bucket"),
			UseSSL:    v.GetBool("minio-ssl"),
			PublicURL: v.GetString("minio-public-url"),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func openSource(v *viper.Viper) (source.Source, error) {
	switch kind := v.GetString("source"); kind {
	case "dir", "":
		slog.Debug("using directory source", "root", v.GetString("source-dir"))
		return &source.Dir{Root: v.GetString("source-dir")}, nil
	case "bucket":
		return source.NewBucket(
			v.GetString("minio-endpoint"),
			v.GetString("minio-access-key"),
			v.GetString("minio-secret-key"),
			v.GetString("source-bucket"),
			v.GetBool("minio-ssl"),
		)
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}
