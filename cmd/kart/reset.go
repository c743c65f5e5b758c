package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard pending edits and restore the checked-out tree",
	Run: func(cmd *cobra.Command, args []string) {
		wc, _, err := openEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wc.Close()

		tree, ok, err := wc.Tree(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: working copy has no checked-out tree; run \"kart checkout\"\n")
			os.Exit(1)
		}

		if err := wc.Reset(cmd.Context(), tree); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Working copy restored to %s\n", tree)
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
