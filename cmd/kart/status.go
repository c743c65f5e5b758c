package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise pending working-copy changes",
	Run: func(cmd *cobra.Command, args []string) {
		wc, _, err := openEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wc.Close()

		st, err := wc.Status(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("On tree %s\n", st.Tree)
		if !st.HasChanges() {
			fmt.Println("Nothing to commit, working copy clean")
			return
		}

		names := map[string]bool{}
		for name := range st.Meta {
			names[name] = true
		}
		for name := range st.Features {
			names[name] = true
		}
		var sorted []string
		for name := range names {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)

		fmt.Println("Changes in working copy:")
		for _, name := range sorted {
			fmt.Printf("  %s:\n", name)
			if items := st.Meta[name]; len(items) > 0 {
				fmt.Printf("    meta: %d item(s) changed\n", len(items))
			}
			if c, ok := st.Features[name]; ok {
				if c.Inserts > 0 {
					fmt.Printf("    inserts: %d\n", c.Inserts)
				}
				if c.Updates > 0 {
					fmt.Printf("    updates: %d\n", c.Updates)
				}
				if c.Deletes > 0 {
					fmt.Printf("    deletes: %d\n", c.Deletes)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
