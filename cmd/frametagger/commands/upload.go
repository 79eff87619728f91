package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TechnicallyBob202/FrameTagger/internal/client"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
	"github.com/TechnicallyBob202/FrameTagger/internal/upload"
)

var (
	uploadServer       string
	uploadFolderID     int64
	uploadOnDuplicate  string
	uploadAutoPosition bool
	uploadInterval     time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Upload files to a running server",
	Long: `Upload images into a library folder and follow the job until it settles.

Files that match an existing image stop at duplicate_detected unless
--on-duplicate says what to do. Images that are not 16:9 stop at
needs_positioning unless --auto-position accepts the centered crop.

Examples:
  frametagger upload --folder 1 a.jpg b.png
  frametagger upload --folder 1 --on-duplicate keep-both --auto-position *.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), args)
	},
}

func init() {
	def := os.Getenv("FRAMETAGGER_SERVER")
	if def == "" {
		def = "http://localhost:8000"
	}
	uploadCmd.Flags().StringVar(&uploadServer, "server", def, "Server base URL (env FRAMETAGGER_SERVER)")
	uploadCmd.Flags().Int64Var(&uploadFolderID, "folder", 0, "Target library folder id")
	uploadCmd.Flags().StringVar(&uploadOnDuplicate, "on-duplicate", "", "Resolve duplicates with skip|overwrite|keep-both")
	uploadCmd.Flags().BoolVar(&uploadAutoPosition, "auto-position", false, "Accept the centered crop for non-16:9 images")
	uploadCmd.Flags().DurationVar(&uploadInterval, "interval", client.DefaultPollInterval, "Status poll interval")
	_ = uploadCmd.MarkFlagRequired("folder")
}

func runUpload(ctx context.Context, paths []string) error {
	var action upload.DuplicateAction
	if uploadOnDuplicate != "" {
		a, err := upload.ParseDuplicateAction(uploadOnDuplicate)
		if err != nil {
			return err
		}
		action = a
	}

	files := make([]client.UploadFile, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		files = append(files, client.UploadFile{Name: filepath.Base(p), Body: f})
	}

	c := client.New(uploadServer, &http.Client{Timeout: 10 * time.Minute})
	start, err := c.StartUpload(ctx, uploadFolderID, files)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("job %s: %d file(s) queued\n", start.JobID, start.TotalFiles)
	}

	opts := client.PollOptions{Interval: uploadInterval}
	for {
		job, err := c.PollUpload(ctx, start.JobID, opts)
		if err != nil {
			if job != nil && errors.Is(err, client.ErrPollExhausted) {
				_ = printJob(job)
			}
			return err
		}
		if client.Complete(job) {
			return printJob(job)
		}
		acted, err := resolvePending(ctx, c, job, action)
		if err != nil {
			return err
		}
		if !acted {
			if err := printJob(job); err != nil {
				return err
			}
			return fmt.Errorf("job %s is waiting on input (%s)", job.ID, job.Status)
		}
	}
}

// resolvePending answers every waiting file the flags allow and reports
// whether anything was sent.
func resolvePending(ctx context.Context, c *client.Client, job *jobs.Job, action upload.DuplicateAction) (bool, error) {
	acted := false
	for _, r := range job.Results {
		switch {
		case r.Status == jobs.FileDuplicate && action != "":
			if _, err := c.ResolveDuplicate(ctx, job.ID, r.Filename, string(action)); err != nil {
				return acted, fmt.Errorf("%s: %w", r.OriginalName, err)
			}
			acted = true
		case r.Status == jobs.FileNeedsPositioning && uploadAutoPosition:
			if _, err := c.SkipPosition(ctx, job.ID, r.Filename); err != nil {
				return acted, fmt.Errorf("%s: %w", r.OriginalName, err)
			}
			acted = true
		}
	}
	return acted, nil
}

func printJob(job *jobs.Job) error {
	if jsonOutput {
		return printJSON(job)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSTATUS\tIMAGE\tDETAIL")
	_, _ = fmt.Fprintln(w, "----\t------\t-----\t------")
	for _, r := range job.Results {
		image := "-"
		if r.ImageID != 0 {
			image = fmt.Sprint(r.ImageID)
		}
		detail := r.Error
		if r.DuplicateOf != nil {
			detail = "matches " + r.DuplicateOf.Filename
		}
		if detail == "" && r.Aspect != nil && r.Status == jobs.FileNeedsPositioning {
			detail = "not 16:9"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.OriginalName, r.Status, image, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\njob %s: %s\n", job.ID, job.Status)
	return nil
}
