package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	submitWait    bool
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <image|dir>...",
	Short: "Publish images to the request queue",
	Long: `Publishes each image as a recognition request. Directories are scanned (not
recursively) for .jpg, .jpeg and .png files. With --wait the command blocks
until every prediction arrives on the response queue and prints
<fileName>:<prediction> lines.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSubmit(cmd.Context(), args)
	},
}

func init() {
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for predictions on the response queue")
	submitCmd.Flags().DurationVarP(&submitTimeout, "timeout", "t", 5*time.Minute, "Give up waiting after this long")
	rootCmd.AddCommand(submitCmd)
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// collectImages expands directories into their image files, sorted by name.
func collectImages(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

// requestName is the fileName a request is published under: the file's base
// name without extension, made unique within one submission.
func requestName(path string, seen map[string]bool) string {
	name := types.BaseName(path)
	if seen[name] {
		name = name + "-" + uuid.NewString()[:8]
	}
	seen[name] = true
	return name
}

func runSubmit(ctx context.Context, args []string) error {
	files, err := collectImages(args)
	if err != nil {
		utils.ShowError("Failed to read input", err, nil)
		return err
	}
	if len(files) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	res := &resources{}
	defer res.Close()

	requests, err := res.queue(ctx, Cfg.Queue.Request)
	if err != nil {
		utils.ShowError("Failed to open request queue", err, nil)
		return err
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("📤 Submitting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	seen := make(map[string]bool)
	pending := make(map[string]bool)
	for _, f := range files {
		img, err := os.ReadFile(f)
		if err != nil {
			utils.ShowError("Failed to read image", err, nil)
			return err
		}
		name := requestName(f, seen)
		body, err := json.Marshal(types.RequestMessage{
			FileName:  name,
			ImageData: base64.StdEncoding.EncodeToString(img),
		})
		if err != nil {
			return err
		}
		attrs := map[string]string{types.TitleAttribute: filepath.Base(f)}
		if err := requests.Send(ctx, body, attrs, name); err != nil {
			utils.ShowError(fmt.Sprintf("Failed to send %s", name), err, nil)
			return err
		}
		pending[name] = true
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintf(os.Stderr, "✅ Sent %d request(s) to %s\n", len(files), Cfg.Queue.Request)

	if !submitWait {
		return nil
	}

	responses, err := res.queue(ctx, Cfg.Queue.Response)
	if err != nil {
		utils.ShowError("Failed to open response queue", err, nil)
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return awaitResponses(waitCtx, responses, pending, Cfg.Queue.WaitTime, os.Stdout)
}

// awaitResponses acks responses for pending requests and prints them. Other
// clients' responses are released straight back to the queue.
func awaitResponses(ctx context.Context, q queue.Queue, pending map[string]bool, wait time.Duration, out io.Writer) error {
	fmt.Fprintf(os.Stderr, "⏳ Waiting for %d prediction(s)...\n", len(pending))
	for len(pending) > 0 && ctx.Err() == nil {
		msgs, err := q.Receive(ctx, 10, wait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("receive responses: %w", err)
		}
		for _, m := range msgs {
			var resp types.ResponseMessage
			if err := json.Unmarshal(m.Body, &resp); err == nil && pending[resp.FileName] {
				fmt.Fprintf(out, "%s:%s\n", resp.FileName, resp.Prediction)
				delete(pending, resp.FileName)
				if err := q.Ack(ctx, m.ReceiptToken); err != nil {
					fmt.Fprintf(os.Stderr, "⚠️  Failed to delete response for %s: %v\n", resp.FileName, err)
				}
				continue
			}
			if r, ok := q.(queue.Releaser); ok {
				r.Release(ctx, m.ReceiptToken, 0)
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("timed out with %d prediction(s) outstanding", len(pending))
	}
	return nil
}
