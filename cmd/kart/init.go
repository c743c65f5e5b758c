package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var initWorkingCopy string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a repository and provision its working copy",
	Long: `Create a .kart repository in the current directory and provision the
working copy's container and control tables.

The working copy location defaults to a SQLite database inside .kart; pass
--workingcopy to use another backend:

  kart init --workingcopy postgresql://localhost/mydb/myschema
  kart init --workingcopy mssql://localhost/mydb/myschema`,
	Run: func(cmd *cobra.Command, args []string) {
		repoDir := filepath.Join(".", repoDirName)
		if err := os.MkdirAll(repoDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating repository: %v\n", err)
			os.Exit(1)
		}

		cfgPath := filepath.Join(repoDir, "config.yaml")
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			v := viper.New()
			if initWorkingCopy != "" {
				v.Set("workingcopy", initWorkingCopy)
			}
			if err := v.WriteConfigAs(cfgPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
				os.Exit(1)
			}
		} else if initWorkingCopy != "" {
			fmt.Fprintf(os.Stderr, "Error: repository already initialised; edit %s to change the working copy\n", cfgPath)
			os.Exit(1)
		}

		wc, _, err := openEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wc.Close()

		if err := wc.Create(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error provisioning working copy: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Initialised empty kart repository in %s\n", repoDir)
	},
}

func init() {
	initCmd.Flags().StringVar(&initWorkingCopy, "workingcopy", "", "working copy URI (default: SQLite inside .kart)")
	rootCmd.AddCommand(initCmd)
}
