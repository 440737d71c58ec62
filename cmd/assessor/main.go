package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assessor",
		Short: "Assessment content pipeline: extract, curate, assemble and grade",
	}

	serve := serveCmd()
	root.AddCommand(serve, syncCmd(), processCmd(), importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `assessor --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db", "assessor.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write JSON logs to this rotating file")
}

func addLLMFlags(f *pflag.FlagSet) {
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Bool("llm-structured", false, "Send JSON schemas as a structured response format")
	f.Bool("llm-inline-documents", false, "Send PDFs inline as image_url data (endpoint must accept documents there)")
	f.Int("llm-concurrency", 4, "Maximum concurrent reasoning calls")
	f.Float64("llm-rps", 0, "Reasoning calls per second (0 = unlimited)")
	f.Duration("extract-timeout", 0, "Deadline for one document extraction (default 5m)")
	f.Duration("figure-timeout", 0, "Deadline for one figure description (default 1m)")
	f.Duration("classify-timeout", 0, "Deadline for tagging and filter interpretation (default 15s)")
	f.Duration("evaluate-timeout", 0, "Deadline for grading one answer sheet (default 5m)")
	f.Bool("auto-tag", true, "Propose taxonomy tags during extraction")
}

func addStorageFlags(f *pflag.FlagSet) {
	f.String("storage", "local", "Object storage backend (local, minio)")
	f.String("storage-dir", "data/objects", "Directory for local object storage")
	f.String("storage-base-url", "", "Public URL prefix for local objects (default file://)")
	f.String("minio-endpoint", "localhost:9000", "MinIO/S3 endpoint")
	f.String("minio-access-key", "", "MinIO access key")
	f.String("minio-secret-key", "", "MinIO secret key")
	f.String("minio-bucket", "assessor", "Bucket for stored documents and exports")
	f.Bool("minio-ssl", false, "Use TLS for MinIO")
	f.String("minio-public-url", "", "Base URL the reasoning service uses to reach the bucket")
}

func addSourceFlags(f *pflag.FlagSet) {
	f.String("source", "dir", "Document source (dir, bucket)")
	f.String("source-dir", "documents", "Root directory of the dir source")
	f.String("source-bucket", "sources", "Bucket of the bucket source (uses the minio-* credentials)")
}

// setupLogging installs the default logger and returns a function that closes the log file.
func setupLogging(v *viper.Viper) func() error {
	logger, closeFn := logging.New(logging.Options{
		Level:  v.GetString("log-level"),
		Format: v.GetString("log-format"),
		File:   v.GetString("log-file"),
	})
	slog.SetDefault(logger)
	return closeFn
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ASSESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("assessor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/assessor")
	v.AddConfigPath("/etc/assessor")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func promptVariant(v *viper.Viper) string {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	return variant
}
