package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/bdougie/formcheck/internal/embeddings"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

var ingestFile string

type knowledgeFile struct {
	Chunks []models.KnowledgeChunk `yaml:"chunks"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Embed knowledge passages and store them for deep analysis retrieval",
	Example: `  formcheck ingest --file knowledge.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chunks, err := loadKnowledge(ingestFile)
		if err != nil {
			return err
		}

		pg, err := requirePostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close()

		emb := embeddings.NewService(embeddings.Config{
			BaseURL: cfg.Ollama.URL(),
			Model:   cfg.Ollama.EmbeddingModel,
			Workers: cfg.Ollama.EmbeddingWorkers,
			Timeout: cfg.Ollama.Timeout,
		}, logger)
		defer emb.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(cfg.Ollama.EmbeddingWorkers, 1))
		for _, c := range chunks {
			g.Go(func() error {
				vec, err := emb.Embed(gctx, c.Title+"\n\n"+c.Content)
				if err != nil {
					return fmt.Errorf("embed %q: %w", c.Title, err)
				}
				return pg.AddKnowledgeChunk(gctx, c, vec)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		goodColor.Printf("ingested %d knowledge chunks\n", len(chunks))
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "knowledge.yaml", "YAML file of knowledge chunks")
	rootCmd.AddCommand(ingestCmd)
}

func loadKnowledge(path string) ([]models.KnowledgeChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge file %s: %w", path, err)
	}
	var file knowledgeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge file %s: %w", path, err)
	}
	for i, c := range file.Chunks {
		if !scoring.FaultType(c.FaultType).Valid() {
			return nil, fmt.Errorf("chunk %d (%q): unknown fault type %q", i, c.Title, c.FaultType)
		}
		if scoring.Severity(c.Severity).Rank() == 0 {
			return nil, fmt.Errorf("chunk %d (%q): unknown severity %q", i, c.Title, c.Severity)
		}
		if c.Content == "" {
			return nil, fmt.Errorf("chunk %d (%q): empty content", i, c.Title)
		}
	}
	return file.Chunks, nil
}
