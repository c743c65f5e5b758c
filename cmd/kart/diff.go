package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hamishcampbell/kart/internal/vstore"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

var diffCmd = &cobra.Command{
	Use:   "diff [DATASET[:PK]...]",
	Short: "Show pending working-copy changes",
	Long: `Show pending working-copy changes: meta items and features differing
from the checked-out tree.

With arguments, the diff is restricted to the named datasets or features:

  kart diff roads               # one dataset
  kart diff roads:14 towns:3    # individual features`,
	Run: func(cmd *cobra.Command, args []string) {
		scope, err := workingcopy.ParseScope(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		wc, _, err := openEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wc.Close()

		diff, err := wc.Diff(cmd.Context(), scope)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		for _, name := range diff.DatasetNames() {
			dd := diff.Datasets[name]
			fmt.Printf("--- %s\n", name)
			printMetaDeltas(dd.Meta)
			printFeatureDeltas(dd.Features)
		}
	},
}

func printMetaDeltas(deltas []vstore.MetaDelta) {
	for _, m := range deltas {
		switch {
		case m.Old == "":
			fmt.Printf("+ meta/%s\n", m.Item)
		case m.New == "":
			fmt.Printf("- meta/%s\n", m.Item)
		default:
			fmt.Printf("~ meta/%s\n", m.Item)
		}
	}
}

func printFeatureDeltas(deltas []vstore.FeatureDelta) {
	sorted := make([]vstore.FeatureDelta, len(deltas))
	copy(sorted, deltas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PK < sorted[j].PK })

	for _, f := range sorted {
		switch {
		case f.Old == nil:
			fmt.Printf("+ %s\n", f.PK)
		case f.New == nil:
			fmt.Printf("- %s\n", f.PK)
		default:
			fmt.Printf("~ %s\n", f.PK)
			printChangedColumns(f.Old, f.New)
		}
	}
}

func printChangedColumns(old, new vstore.Row) {
	var cols []string
	for col := range new {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if workingcopy.ValuesEqual(old[col], new[col]) {
			continue
		}
		fmt.Printf("    %s: %s -> %s\n", col, renderValue(old[col]), renderValue(new[col]))
	}
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	case string:
		return fmt.Sprintf("%q", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
