package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/andresmejia3/facequeue/internal/worker"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match <image_path>",
	Short: "Recognize a local image against the reference index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMatch(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(matchCmd)
}

func runMatch(ctx context.Context, imagePath string) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	// One engine is enough for a single image.
	Cfg.Extractor.Engines = 1

	res := &resources{}
	defer res.Close()

	m, err := res.matcher(ctx)
	if err != nil {
		utils.ShowError("Failed to load reference index", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	ext, err := res.extractor(ctx)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	emb, err := ext.Extract(ctx, imgData)
	if errors.Is(err, worker.ErrNoFace) {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if err != nil {
		utils.ShowError("AI processing failed", err, nil)
		return err
	}

	result, err := m.Match(ctx, emb)
	if err != nil {
		utils.ShowError("Matching failed", err, nil)
		return err
	}
	fmt.Printf("✅ Closest identity: %s (distance %.4f)\n", result.Label, result.Distance)
	return nil
}
