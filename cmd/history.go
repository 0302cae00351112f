package cmd

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/utils"
)

var (
	historyLimit  int
	historyCounts bool
)

var errNoDatabase = errors.New("no database configured (use --db, database.url or DATABASE_URL)")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent recognitions stored in the database",
	Run: func(cmd *cobra.Command, args []string) {
		if DB == nil {
			utils.Die("History needs a database", errNoDatabase, nil)
		}
		if historyCounts {
			counts, err := DB.LabelCounts(cmd.Context())
			if err != nil {
				utils.Die("Failed to count labels", err, nil)
			}
			printCounts(counts)
			return
		}
		entries, err := DB.ListRecognitions(cmd.Context(), historyLimit)
		if err != nil {
			utils.Die("Failed to list recognitions", err, nil)
		}
		printHistory(entries)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Number of faces to show")
	historyCmd.Flags().BoolVar(&historyCounts, "counts", false, "Show how often each label was recognized instead")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(entries []store.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Println("No recognitions found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "WHEN\tIMAGE\tFACE\tLABEL\tDISTANCE")
	fmt.Fprintln(w, "----\t-----\t----\t-----\t--------")
	for _, e := range entries {
		face, dist := fmt.Sprint(e.FaceIndex), "-"
		if e.NoFace() {
			face = "none"
		} else if e.Distance != nil {
			dist = fmtDistance(*e.Distance)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), utils.ShortDigest(e.Digest), face, e.Label, dist)
	}
	w.Flush()
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println("No recognitions found in database.")
		return
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LABEL\tFACES")
	fmt.Fprintln(w, "-----\t-----")
	for _, l := range labels {
		fmt.Fprintf(w, "%s\t%d\n", l, counts[l])
	}
	w.Flush()
}

func fmtDistance(d float64) string {
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return "-"
	}
	return fmt.Sprintf("%.4f", d)
}
