package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/utils"
)

var galleryConcurrency int

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Build the reference gallery and report which photos were usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if galleryConcurrency > 0 {
			Cfg.Gallery.Concurrency = galleryConcurrency
		}
		return runGallery(cmd.Context())
	},
}

func init() {
	galleryCmd.Flags().IntVarP(&galleryConcurrency, "concurrency", "j", 0, "Number of references processed in parallel (default from config)")
	rootCmd.AddCommand(galleryCmd)
}

// runGallery builds the gallery the same way serve does. With a database it
// also warms the descriptor cache.
func runGallery(ctx context.Context) error {
	refs := Cfg.Gallery.References
	if len(refs) == 0 {
		fmt.Println("No reference images configured (gallery.references).")
		return nil
	}

	backend, err := newBackend(ctx, Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to start detection backend", err, nil)
		return err
	}
	defer releaseBackend(backend)

	bar := progressbar.NewOptions(len(refs),
		progressbar.OptionSetDescription("🗂️  Building gallery"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	var barMu sync.Mutex
	progress := func(gallery.Outcome) {
		barMu.Lock()
		defer barMu.Unlock()
		bar.Add(1)
	}

	svc := newService(backend, Cfg, Logger, progress)
	if err := svc.Start(ctx); err != nil {
		utils.ShowError("Failed to build gallery", err, nil)
		return err
	}
	bar.Finish()

	report := svc.Report()
	printReport(report)
	fmt.Fprintf(os.Stderr, "\n🏁 Gallery ready: %d loaded, %d without a face, %d failed.\n",
		len(report.Loaded), len(report.Skipped), len(report.Failed))
	return nil
}

func printReport(report gallery.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nLABEL\tSOURCE\tSTATUS")
	fmt.Fprintln(w, "-----\t------\t------")
	for _, o := range report.Loaded {
		status := "loaded"
		if o.Cached {
			status = "loaded (cached)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Label, o.Reference.Source, status)
	}
	for _, o := range report.Skipped {
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Label, o.Reference.Source, "no face")
	}
	for _, o := range report.Failed {
		fmt.Fprintf(w, "%s\t%s\tfailed: %v\n", o.Label, o.Reference.Source, o.Err)
	}
	w.Flush()
}
