package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"ragchat/internal/domain"
	"ragchat/internal/ingest"
	"ragchat/internal/stream"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var datasource string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk, embed and store a text, CSV or PDF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if datasource == "" {
				return errors.New("--datasource is required")
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			req, err := ingest.RequestFromFile(args[0], datasource)
			if err != nil {
				return err
			}
			res, err := a.ingest.Ingest(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d chunk(s) indexed into %q\n", res.URL, len(res.Embeddings), datasource)
			return nil
		},
	}
	cmd.Flags().StringVarP(&datasource, "datasource", "d", "", "collection to index into")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		datasource string
		model      string
		topK       int
	)
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run one chat turn and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			turn, err := a.chat.Start(ctx, domain.ChatRequest{
				Message:     domain.Text(strings.Join(args, " ")),
				ChatHistory: []domain.ConversationMessage{},
				Datasource:  datasource,
				Config:      &domain.LLMConfig{Model: model},
				TopK:        topK,
			})
			if err != nil {
				return err
			}
			return stream.Pump(ctx, turn, stream.NewTextSink(os.Stdout))
		},
	}
	cmd.Flags().StringVarP(&datasource, "datasource", "d", "", "collection to retrieve context from")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name (default: the provider's default model)")
	cmd.Flags().IntVarP(&topK, "topk", "k", 0, "number of chunks to retrieve")
	return cmd
}
