package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetag/internal/recognizer"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils"
)

// RecognizeOptions are the flags of the recognize command.
type RecognizeOptions struct {
	Output    string
	Mode      string
	Format    string
	Threshold float64
}

var recognizeOpts RecognizeOptions

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image_path>",
	Short: "Label the faces in an image and optionally write the overlay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("threshold") {
			Cfg.Matching.Threshold = &recognizeOpts.Threshold
			if err := Cfg.Validate(); err != nil {
				return err
			}
		}
		if recognizeOpts.Mode == "" {
			recognizeOpts.Mode = Cfg.Render.Mode
		}
		if recognizeOpts.Format == "" {
			recognizeOpts.Format = formatFromPath(recognizeOpts.Output, Cfg.Render.Format)
		}
		return runRecognize(cmd.Context(), args[0], recognizeOpts)
	},
}

func init() {
	recognizeCmd.Flags().StringVarP(&recognizeOpts.Output, "output", "o", "", "Write the overlay image to this path")
	recognizeCmd.Flags().StringVarP(&recognizeOpts.Mode, "mode", "m", "", "Overlay mode: composite or overlay (default from config)")
	recognizeCmd.Flags().StringVarP(&recognizeOpts.Format, "format", "f", "", "Overlay format: png or jpeg (default from the output extension)")
	recognizeCmd.Flags().Float64VarP(&recognizeOpts.Threshold, "threshold", "t", 0, "Face matching threshold (lower is stricter, default from config)")
	rootCmd.AddCommand(recognizeCmd)
}

func runRecognize(ctx context.Context, imagePath string, opts RecognizeOptions) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	backend, err := newBackend(ctx, Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to start detection backend", err, nil)
		return err
	}
	defer releaseBackend(backend)

	svc := newService(backend, Cfg, Logger, nil)
	fmt.Fprintln(os.Stderr, "🗂️  Building gallery...")
	if err := svc.Start(ctx); err != nil {
		utils.ShowError("Failed to load models or gallery", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	return recognizeImage(ctx, svc, imgData, opts, os.Stdout)
}

// recognizeImage runs a started service over one image, prints the face
// table to out and writes the overlay when opts.Output is set.
func recognizeImage(ctx context.Context, svc *recognizer.Service, data []byte, opts RecognizeOptions, out io.Writer) error {
	res, err := svc.Recognize(ctx, data)
	if err != nil {
		utils.ShowError("Recognition failed", err, nil)
		return err
	}

	printFaces(out, res.Recognition)

	if opts.Output == "" {
		return nil
	}
	f, err := os.Create(opts.Output)
	if err != nil {
		utils.ShowError("Failed to create output file", err, nil)
		return err
	}
	if err := svc.Render(f, res, opts.Mode, opts.Format); err != nil {
		f.Close()
		utils.ShowError("Failed to render overlay", err, nil)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "🖼️  Overlay written to %s\n", opts.Output)
	return nil
}

func printFaces(out io.Writer, rec *types.Recognition) {
	if len(rec.Faces) == 0 {
		fmt.Fprintln(out, "❌ No faces detected in the provided image.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tLABEL\tDISTANCE\tBOX")
	fmt.Fprintln(w, "----\t-----\t--------\t---")
	for i, f := range rec.Faces {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.0f,%.0f %.0fx%.0f\n",
			i, f.Match.Label, fmtDistance(f.Match.Distance),
			f.Box.X, f.Box.Y, f.Box.Width, f.Box.Height)
	}
	w.Flush()
}

func formatFromPath(path, fallback string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png":
		return "png"
	default:
		return fallback
	}
}
