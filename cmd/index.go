// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tagrouter/cli/internal/knowledge"
)

var indexSample bool

var indexCmd = &cobra.Command{
	Use:   "index [files...]",
	Short: "Add documents to the knowledge base",
	Long: `Index reads text or markdown files, splits them into passages, embeds each
passage and stores it in the local knowledge index used to answer
knowledge questions. Re-indexing a file replaces its earlier passages.

--sample adds three demo documents: a refund policy, shipping information and
support hours.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !indexSample {
			return fmt.Errorf("nothing to index: pass files or --sample")
		}
		ctx := cmd.Context()

		docs := make([]knowledge.Document, len(args))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i, path := range args {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				d, err := knowledge.ReadDocument(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				docs[i] = d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if indexSample {
			docs = append(docs, knowledge.SampleDocs()...)
		}

		model, err := newModel(cfg)
		if err != nil {
			return err
		}
		idx, err := openIndex(ctx, cfg, model)
		if err != nil {
			return err
		}
		defer idx.Close()

		stop := func() {}
		if interactive() {
			stop = startInlineSpinner(os.Stdout, fmt.Sprintf("indexing %d documents", len(docs)), spinnerFrames, 100*time.Millisecond)
		}
		chunks, err := idx.Ingest(ctx, docs)
		stop()
		if err != nil {
			fmt.Println("❌ Indexing failed")
			return err
		}

		total, totalChunks, err := idx.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Indexed %d passages from %d documents\n", chunks, len(docs))
		pterm.Println(pterm.NewStyle(pterm.FgGray).Sprintf("   %s now holds %d documents, %d passages", cfg.Retrieval.IndexPath, total, totalChunks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().BoolVar(&indexSample, "sample", false, "Index the built-in demo documents")
}
