package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/phuslu/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/agent"
	"github.com/xhad/doctorbot/pkg/config"
	"github.com/xhad/doctorbot/pkg/judge"
	"github.com/xhad/doctorbot/pkg/llm"
	"github.com/xhad/doctorbot/pkg/logging"
	"github.com/xhad/doctorbot/pkg/pipeline"
	"github.com/xhad/doctorbot/pkg/retriever"
	"github.com/xhad/doctorbot/pkg/store"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:           "doctorbot",
	Short:         "Evidence-grounded symptom triage over a medical reference text",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logger = logging.New(cfg.Logging.Level, true, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(fetchCmd, chunkCmd, indexCmd, retrieveCmd, triageCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// checkConfig reports validation errors for the config sections a command uses.
func checkConfig(sections ...string) error {
	var msgs []string
	for _, e := range cfg.Validate() {
		for _, s := range sections {
			if strings.HasPrefix(e.Field, s+".") {
				msgs = append(msgs, e.Error())
				break
			}
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	return nil
}

// openIndex loads the on-disk artifacts and, for the pgvector backend, swaps
// in the database as the vector index.
func openIndex(ctx context.Context) (*store.Artifacts, types.VectorIndex, func(), error) {
	art, err := store.Open(cfg.Index.Dir, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Index.Backend != "pgvector" {
		return art, art.Index, func() {}, nil
	}
	vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: cfg.Index.DatabaseURL,
		TableName:  cfg.Index.TableName,
		VectorDim:  art.Mapping.Dimension,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	return art, vs, vs.Close, nil
}

func buildRetriever(ctx context.Context, model types.LLM) (*retriever.Retriever, func(), error) {
	embedder, err := llm.NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	art, index, closeIndex, err := openIndex(ctx)
	if err != nil {
		return nil, nil, err
	}

	var reranker types.Reranker = retriever.LexicalReranker{}
	if cfg.Retrieval.Reranker == "llm" && model != nil {
		reranker = retriever.LLMReranker{LLM: model, Logger: logger}
	}
	r, err := retriever.New(index, art.Mapping, art.Chunks, embedder, retriever.Options{
		RerankCandidates: cfg.Retrieval.RerankCandidates,
		Reranker:         reranker,
		Logger:           logger,
	})
	if err != nil {
		closeIndex()
		return nil, nil, err
	}
	return r, closeIndex, nil
}

func buildService(ctx context.Context) (*pipeline.Service, func(), error) {
	model, err := llm.New(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	r, closeIndex, err := buildRetriever(ctx, model)
	if err != nil {
		return nil, nil, err
	}

	judgeCfg := judge.Config{
		ApproveThreshold: cfg.Judge.ApproveThreshold,
		ReviseThreshold:  cfg.Judge.ReviseThreshold,
		AssessTimeout:    cfg.LLM.Timeout,
		Logger:           logger,
	}
	if cfg.Judge.UseLLM {
		judgeCfg.Assessor = model
	}
	j, err := judge.NewWithConfig(judgeCfg)
	if err != nil {
		closeIndex()
		return nil, nil, err
	}

	svc, err := pipeline.New(r,
		agent.NewFollowupAgent(model, agent.FollowupConfig{Logger: logger}),
		agent.NewTriageAgent(model, agent.TriageConfig{Logger: logger}),
		j,
		pipeline.Config{
			DefaultTopK:    cfg.Retrieval.TopK,
			RequestTimeout: cfg.Server.RequestTimeout,
			UseReranker:    cfg.Retrieval.UseReranker,
			Logger:         logger,
		})
	if err != nil {
		closeIndex()
		return nil, nil, err
	}
	return svc, closeIndex, nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetWriter(os.Stderr),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetWriter(os.Stderr),
	)
}
