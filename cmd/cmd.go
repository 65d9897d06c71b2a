package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/chunker"
	"github.com/xhad/doctorbot/pkg/llm"
	"github.com/xhad/doctorbot/pkg/scraper"
	"github.com/xhad/doctorbot/pkg/sections"
	"github.com/xhad/doctorbot/pkg/store"
	"github.com/xhad/doctorbot/pkg/tokenizer"
)

var chunkCmd = &cobra.Command{
	Use:   "chunk [sections.jsonl | reference.html]",
	Short: "Split reference sections into token-bounded chunks",
	Long: `Reads parsed reference sections (JSON lines, or an HTML export of the
reference text) and writes sentence-aligned chunks to a chunks.jsonl file.`,
	Args: cobra.ExactArgs(1),
	RunE: runChunk,
}

var (
	chunkOut      string
	chunkTarget   int
	chunkOverlap  int
	chunkEncoding string
)

var indexCmd = &cobra.Command{
	Use:   "index [chunks.jsonl]",
	Short: "Embed chunks and build the retrieval index",
	Long: `Embeds every chunk and writes index.bin, mapping.json and chunks.jsonl into
the index directory, replacing the previous index only once the build is complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

var indexPgvector bool

var fetchCmd = &cobra.Command{
	Use:   "fetch [base-url]",
	Short: "Crawl an online edition of the reference text into sections",
	Long: `Crawls pages under the base URL (same host only) and writes the parsed
sections as JSON lines, ready for the chunk command.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var (
	fetchOut       string
	fetchDepth     int
	fetchMaxPages  int
	fetchRateLimit float64
	fetchIgnore    []string
)

func init() {
	chunkCmd.Flags().StringVarP(&chunkOut, "out", "o", "data/chunks.jsonl", "Output chunks file")
	chunkCmd.Flags().IntVar(&chunkTarget, "target-tokens", 0, "Token budget per chunk (default from config)")
	chunkCmd.Flags().IntVar(&chunkOverlap, "overlap", chunker.DefaultOverlapSentences, "Sentences carried over between chunks")
	chunkCmd.Flags().StringVar(&chunkEncoding, "encoding", "", "Tokenizer encoding, or \"words\" (default from config)")

	indexCmd.Flags().BoolVar(&indexPgvector, "pgvector", false, "Also load vectors into Postgres (index.database_url)")

	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", "data/sections.jsonl", "Output sections file")
	fetchCmd.Flags().IntVar(&fetchDepth, "depth", 3, "Maximum link depth to follow")
	fetchCmd.Flags().IntVar(&fetchMaxPages, "max-pages", 500, "Stop after this many pages")
	fetchCmd.Flags().Float64Var(&fetchRateLimit, "rate", 2, "Requests per second")
	fetchCmd.Flags().StringSliceVar(&fetchIgnore, "ignore", nil, "Skip URLs containing any of these substrings")
}

func loadSections(path string) ([]models.Section, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open reference HTML: %w", err)
		}
		defer f.Close()
		return sections.ParseHTML(f)
	default:
		secs, report, err := sections.LoadFile(path, logger)
		if err != nil {
			return nil, err
		}
		if report.Skipped > 0 {
			color.Yellow("Skipped %d malformed section records", report.Skipped)
		}
		return secs, nil
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	spinner := getSpinner(" Crawling...")
	s, err := scraper.NewWithConfig(scraper.ScraperConfig{
		BaseURL:        args[0],
		MaxDepth:       fetchDepth,
		MaxPages:       fetchMaxPages,
		RateLimit:      fetchRateLimit,
		IgnorePatterns: fetchIgnore,
		OnProgress: func(u string) {
			spinner.Describe(color.CyanString(" Crawling %s", u))
			_ = spinner.Add(1)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	secs, report, err := s.Scrape(cmd.Context())
	_ = spinner.Finish()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fetchOut), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(fetchOut)
	if err != nil {
		return fmt.Errorf("failed to create sections file: %w", err)
	}
	defer f.Close()
	if err := sections.WriteJSONL(f, secs); err != nil {
		return err
	}

	color.Green("\n✓ Wrote %d sections from %d pages to %s", len(secs), report.Pages, fetchOut)
	if report.Failed+report.Skipped > 0 {
		color.Yellow("  %d pages failed, %d had no content", report.Failed, report.Skipped)
	}
	return nil
}

func runChunk(cmd *cobra.Command, args []string) error {
	if err := checkConfig("chunker"); err != nil {
		return err
	}

	target := cfg.Chunker.TargetTokens
	if chunkTarget > 0 {
		target = chunkTarget
	}
	overlap := chunkOverlap
	if !cmd.Flags().Changed("overlap") && cfg.Chunker.OverlapSentences > 0 {
		overlap = cfg.Chunker.OverlapSentences
	}
	encoding := cfg.Chunker.Encoding
	if chunkEncoding != "" {
		encoding = chunkEncoding
	}

	tok, err := tokenizer.New(encoding)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}

	secs, err := loadSections(args[0])
	if err != nil {
		return err
	}
	color.Blue("Chunking %d sections (target %d tokens, overlap %d sentences)", len(secs), target, overlap)

	c := chunker.NewWithConfig(chunker.ChunkerConfig{Tokenizer: tok, Logger: logger})
	chunks, report, err := c.Chunk(secs, target, overlap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(chunkOut), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := store.WriteChunksFile(chunkOut, chunks); err != nil {
		return err
	}

	color.Green("✓ Wrote %d chunks to %s", len(chunks), chunkOut)
	if report.SkippedSections+report.SkippedSentences > 0 {
		color.Yellow("  skipped %d sections and %d sentences", report.SkippedSections, report.SkippedSentences)
	}
	if report.Truncated > 0 {
		color.Yellow("  truncated %d over-length sentences", report.Truncated)
	}
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	if err := checkConfig("embedding", "index"); err != nil {
		return err
	}
	ctx := cmd.Context()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open chunks file: %w", err)
	}
	chunks, report, err := store.ReadChunks(f, logger)
	f.Close()
	if err != nil {
		return err
	}
	if report.Skipped > 0 {
		color.Yellow("Skipped %d malformed chunk records", report.Skipped)
	}

	embedder, err := llm.NewEmbedder(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	opts := store.BuildOptions{
		Dir:       cfg.Index.Dir,
		BatchSize: cfg.Embedding.BatchSize,
		Logger:    logger,
	}
	if indexPgvector || cfg.Index.Backend == "pgvector" {
		vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
			ConnString: cfg.Index.DatabaseURL,
			TableName:  cfg.Index.TableName,
			VectorDim:  cfg.Embedding.Dimension,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		defer vs.Close()
		opts.Sink = vs
	}

	bar := getProgressBar(len(chunks), "Embedding chunks...")
	var mu sync.Mutex
	opts.Progress = func(n int) {
		mu.Lock()
		defer mu.Unlock()
		_ = bar.Add(n)
	}

	built, err := store.Build(ctx, chunks, embedder, opts)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	color.Green("\n✓ Indexed %d chunks (%s, dim %d) into %s in %s",
		built.Chunks, built.Model, built.Dim, cfg.Index.Dir, built.Duration.Round(time.Millisecond))
	return nil
}
