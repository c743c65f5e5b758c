package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hamishcampbell/kart/internal/vstore"
)

var watchCheckout bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the branch tip and report new commits",
	Long: `Watch the repository for branch tip movement and report each new tree
as it lands. With --checkout the working copy is additionally reset to
every new tip, keeping it in sync with commits made elsewhere.

Runs until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		wc, store, err := openEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wc.Close()

		fileStore, ok := store.(*vstore.FileStore)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: watch requires a file-backed store\n")
			os.Exit(1)
		}

		watcher, err := fileStore.Watch()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Watching for commits (Ctrl-C to stop)")
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-watcher.Errors():
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			case ev := <-watcher.Events():
				fmt.Printf("%s -> %s\n", ev.Branch, ev.Tree)
				if watchCheckout {
					if err := wc.Reset(ctx, ev.Tree); err != nil {
						fmt.Fprintf(os.Stderr, "Error checking out %s: %v\n", ev.Tree, err)
					} else {
						fmt.Printf("Checked out %s\n", ev.Tree)
					}
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchCheckout, "checkout", false, "reset the working copy to each new tip")
	rootCmd.AddCommand(watchCmd)
}
