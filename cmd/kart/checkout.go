package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout [TREE]",
	Short: "Write a tree's datasets into the working copy",
	Long: `Write a tree's datasets into the working copy, discarding any pending
edits. With no argument the current branch tip is checked out.

Tables are rewritten in place where the live schema still matches the
tree, and dropped and recreated otherwise. Spatial indexes are built
after the data load.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		wc, _, err := openEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wc.Close()

		// Reset resolves "" to the configured branch's tip.
		tree := ""
		if len(args) == 1 {
			tree = args[0]
		}
		if err := wc.Reset(cmd.Context(), tree); err != nil {
			fmt.Fprintf(os.Stderr, "Error checking out: %v\n", err)
			os.Exit(1)
		}
		if tree == "" {
			if tip, ok, err := wc.Tree(cmd.Context()); err == nil && ok {
				tree = tip
			}
		}
		fmt.Printf("Checked out %s\n", tree)
	},
}

func init() {
	rootCmd.AddCommand(checkoutCmd)
}
