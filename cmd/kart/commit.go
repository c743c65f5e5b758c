package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hamishcampbell/kart/internal/workingcopy"
)

var (
	commitMessage    string
	commitAllowEmpty bool
)

var commitCmd = &cobra.Command{
	Use:   "commit -m MESSAGE [DATASET:PK...]",
	Short: "Commit pending working-copy changes to the store",
	Long: `Commit pending working-copy changes as a new tree on the current branch.

With DATASET:PK arguments only the named features are committed; the rest
stay pending in the working copy. Scoped commits carry feature changes
only, so schema and other meta changes wait for an unscoped commit.`,
	Run: func(cmd *cobra.Command, args []string) {
		if commitMessage == "" {
			fmt.Fprintf(os.Stderr, "Error: commit message required (-m)\n")
			os.Exit(1)
		}
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

		tree, err := wc.Commit(cmd.Context(), commitMessage, workingcopy.CommitOptions{
			Scope:      scope,
			AllowEmpty: commitAllowEmpty,
		})
		switch {
		case errors.Is(err, workingcopy.ErrNoChanges):
			fmt.Fprintf(os.Stderr, "Error: nothing to commit (use --allow-empty to override)\n")
			os.Exit(1)
		case errors.Is(err, workingcopy.ErrWriteConflict):
			fmt.Fprintf(os.Stderr, "Error: the branch has moved on; run \"kart checkout\" and retry\n")
			os.Exit(1)
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Committed %s\n", tree)
	},
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	commitCmd.Flags().BoolVar(&commitAllowEmpty, "allow-empty", false, "permit a commit with no pending changes")
	rootCmd.AddCommand(commitCmd)
}
