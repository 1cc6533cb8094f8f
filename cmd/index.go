package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/facequeue/internal/index"
	"github.com/andresmejia3/facequeue/internal/match"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/andresmejia3/facequeue/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	indexFromJSON string
	indexOut      string
	seedAppend    bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and manage the reference embedding index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Build an index from <dir>/<label>/*.jpg or a JSON entry list",
	Long: `Embeds every image under <dir>/<label>/ and stores the snapshot where the
index.source setting points (file, blob or postgres), or at --out. Images
without a detectable face are skipped. --from-json reads
[{"label": "...", "embedding": [...]}] instead of running the extractor.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if len(args) == 0 && indexFromJSON == "" {
			return errors.New("either a directory or --from-json is required")
		}
		return runIndexBuild(cmd.Context(), args)
	},
}

var indexInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the entries of the configured index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		res := &resources{}
		defer res.Close()

		ix, err := res.index(ctx)
		if err != nil {
			utils.ShowError("Failed to load index", err, nil)
			return err
		}
		printIndex(ix)
		return nil
	},
}

var indexSeedDBCmd = &cobra.Command{
	Use:   "seed-db",
	Short: "Copy the configured index into the Postgres identity table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		if Cfg.Index.Source == "postgres" {
			return errors.New("index.source is already postgres; point it at a file or blob snapshot to seed from")
		}
		res := &resources{}
		defer res.Close()

		ix, err := res.index(ctx)
		if err != nil {
			utils.ShowError("Failed to load index", err, nil)
			return err
		}
		db, err := openDB(ctx, true)
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		if err := db.UpsertIdentities(ctx, ix.Entries(), !seedAppend); err != nil {
			utils.ShowError("Failed to write identities", err, nil)
			return err
		}
		fmt.Printf("✅ Stored %d identities (%d labels) in Postgres\n", ix.Len(), len(ix.Labels()))
		return nil
	},
}

var indexPushQdrantCmd = &cobra.Command{
	Use:   "push-qdrant",
	Short: "Upsert the configured index into a Qdrant collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		res := &resources{}
		defer res.Close()

		ix, err := res.index(ctx)
		if err != nil {
			utils.ShowError("Failed to load index", err, nil)
			return err
		}
		q, err := match.NewQdrant(Cfg.Qdrant.Host, Cfg.Qdrant.Port, Cfg.Qdrant.Collection)
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.EnsureCollection(ctx, ix.Dim()); err != nil {
			utils.ShowError("Failed to create collection", err, nil)
			return err
		}
		if err := q.Upsert(ctx, ix); err != nil {
			utils.ShowError("Failed to upsert points", err, nil)
			return err
		}
		fmt.Printf("✅ Pushed %d points to %s\n", ix.Len(), Cfg.Qdrant.Collection)
		return nil
	},
}

func init() {
	indexBuildCmd.Flags().StringVar(&indexFromJSON, "from-json", "", "Read entries from a JSON file instead of images")
	indexBuildCmd.Flags().StringVarP(&indexOut, "out", "o", "", "Write the snapshot to this file instead of index.source")
	indexSeedDBCmd.Flags().BoolVar(&seedAppend, "append", false, "Append to existing identities instead of replacing them")

	indexCmd.AddCommand(indexBuildCmd, indexInspectCmd, indexSeedDBCmd, indexPushQdrantCmd)
	rootCmd.AddCommand(indexCmd)
}

type labelledImage struct {
	Label string
	Path  string
}

// labelledImages lists <dir>/<label>/<image> in label then file order.
func labelledImages(dir string) ([]labelledImage, error) {
	labels, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []labelledImage
	for _, l := range labels {
		if !l.IsDir() || strings.HasPrefix(l.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, l.Name()))
		if err != nil {
			return nil, err
		}
		var names []string
		for _, f := range files {
			if !f.IsDir() && imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			out = append(out, labelledImage{Label: l.Name(), Path: filepath.Join(dir, l.Name(), n)})
		}
	}
	return out, nil
}

type jsonEntry struct {
	Label     string          `json:"label"`
	Embedding types.Embedding `json:"embedding"`
}

func readJSONEntries(path string) ([]index.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []jsonEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	entries := make([]index.Entry, len(raw))
	for i, e := range raw {
		entries[i] = index.Entry{Label: e.Label, Embedding: e.Embedding}
	}
	return entries, nil
}

// embedImages runs every image through ext. Images without a face are skipped.
func embedImages(ctx context.Context, ext worker.Extractor, images []labelledImage, bar *progressbar.ProgressBar) ([]index.Entry, int, error) {
	var entries []index.Entry
	skipped := 0
	for _, img := range images {
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return nil, skipped, err
		}
		emb, err := ext.Extract(ctx, data)
		if errors.Is(err, worker.ErrNoFace) {
			slog.Warn("no face found, skipping", "path", img.Path)
			skipped++
		} else if err != nil {
			return nil, skipped, fmt.Errorf("%s: %w", img.Path, err)
		} else {
			entries = append(entries, index.Entry{Label: img.Label, Embedding: emb})
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	return entries, skipped, nil
}

func runIndexBuild(ctx context.Context, args []string) error {
	res := &resources{}
	defer res.Close()

	var entries []index.Entry
	if indexFromJSON != "" {
		var err error
		entries, err = readJSONEntries(indexFromJSON)
		if err != nil {
			utils.ShowError("Failed to read entries", err, nil)
			return err
		}
	} else {
		images, err := labelledImages(args[0])
		if err != nil {
			utils.ShowError("Failed to read image directory", err, nil)
			return err
		}
		if len(images) == 0 {
			return fmt.Errorf("no images found under %s/<label>/", args[0])
		}

		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", Cfg.Extractor.Engines)
		ext, err := res.extractor(ctx)
		if err != nil {
			utils.ShowError("Failed to start AI worker", err, nil)
			return err
		}

		bar := progressbar.NewOptions(len(images),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("🧬 Embedding"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		var skipped int
		entries, skipped, err = embedImages(ctx, ext, images, bar)
		bar.Finish()
		if err != nil {
			utils.ShowError("AI processing failed", err, nil)
			return err
		}
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  Skipped %d image(s) without a detectable face\n", skipped)
		}
	}

	ix, err := index.New(entries)
	if err != nil {
		utils.ShowError("Invalid index", err, nil)
		return err
	}

	dest, err := saveIndex(ctx, res, ix)
	if err != nil {
		utils.ShowError("Failed to store index", err, nil)
		return err
	}
	fmt.Printf("✅ Index with %d entries (%d labels, dim %d) written to %s\n", ix.Len(), len(ix.Labels()), ix.Dim(), dest)
	return nil
}

// saveIndex writes ix to --out or to the configured index source.
func saveIndex(ctx context.Context, res *resources, ix *index.Index) (string, error) {
	if indexOut != "" {
		return indexOut, index.WriteFile(indexOut, ix)
	}
	switch Cfg.Index.Source {
	case "blob":
		blobs, err := res.blobStore(ctx)
		if err != nil {
			return "", err
		}
		data, err := index.Encode(ix)
		if err != nil {
			return "", err
		}
		dest := fmt.Sprintf("%s/%s", Cfg.Index.Bucket, Cfg.Index.Key)
		return dest, blobs.Put(ctx, Cfg.Index.Bucket, Cfg.Index.Key, data)
	case "postgres":
		db, err := openDB(ctx, true)
		if err != nil {
			return "", err
		}
		return "postgres", db.UpsertIdentities(ctx, ix.Entries(), true)
	default:
		if err := os.MkdirAll(filepath.Dir(Cfg.Index.Path), 0755); err != nil {
			return "", err
		}
		return Cfg.Index.Path, index.WriteFile(Cfg.Index.Path, ix)
	}
}

func norm(v types.Embedding) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func printIndex(ix *index.Index) {
	fmt.Printf("📚 %d entries, %d labels, dim %d\n\n", ix.Len(), len(ix.Labels()), ix.Dim())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tLABEL\tNORM")
	fmt.Fprintln(w, "-\t-----\t----")
	for i := 0; i < ix.Len(); i++ {
		e := ix.At(i)
		fmt.Fprintf(w, "%d\t%s\t%.4f\n", i, e.Label, norm(e.Embedding))
	}
	w.Flush()
}
