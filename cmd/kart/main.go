package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hamishcampbell/kart/internal/vstore"
	"github.com/hamishcampbell/kart/internal/workingcopy"
	_ "github.com/hamishcampbell/kart/internal/workingcopy/postgres"
	_ "github.com/hamishcampbell/kart/internal/workingcopy/sqlite"
	_ "github.com/hamishcampbell/kart/internal/workingcopy/sqlserver"
)

// repoDirName is the repository directory created by "kart init" and
// located by every other command.
const repoDirName = ".kart"

var rootCmd = &cobra.Command{
	Use:   "kart",
	Short: "Working-copy sync for versioned datasets",
	Long: `kart keeps a database working copy in sync with a versioned dataset store.

A working copy is an ordinary SQLite, PostgreSQL or SQL Server container
holding one table per dataset. Edits made with any SQL client are tracked
by triggers and can be diffed, committed back to the store, or discarded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// findRepoDir walks up from the working directory looking for the
// repository directory. Returns "" if none is found.
func findRepoDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, repoDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadConfig reads the repository config (config.yaml in the repo
// directory), allowing KART_* environment variables to override keys.
func loadConfig(repoDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(repoDir)
	v.SetEnvPrefix("KART")
	v.AutomaticEnv()
	v.SetDefault("branch", vstore.DefaultBranch)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// newLogger returns a logger writing to kart.log in the repo directory,
// rotated so stray debugging output can't grow without bound.
func newLogger(repoDir string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   filepath.Join(repoDir, "kart.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}, "[kart] ", log.LstdFlags)
}

// openEngine locates the repository, opens the version store and the
// configured working-copy backend, and binds them. Callers must Close
// the returned working copy.
func openEngine() (*workingcopy.WorkingCopy, vstore.Store, error) {
	repoDir := findRepoDir()
	if repoDir == "" {
		return nil, nil, fmt.Errorf("%s directory not found (run \"kart init\" first)", repoDirName)
	}
	cfg, err := loadConfig(repoDir)
	if err != nil {
		return nil, nil, err
	}
	uri := cfg.GetString("workingcopy")
	if uri == "" {
		uri = filepath.Join(repoDir, "workingcopy.db")
	}
	store, err := vstore.OpenFileStore(repoDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening version store: %w", err)
	}
	wc, err := workingcopy.Open(uri, store,
		workingcopy.WithBranch(cfg.GetString("branch")),
		workingcopy.WithLogger(newLogger(repoDir)))
	if err != nil {
		return nil, nil, err
	}
	return wc, store, nil
}
