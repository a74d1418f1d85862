package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dfir-tools/walscope/internal/session"
)

var (
	verbose bool
	logger  *zap.SugaredLogger
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "walscope",
	Short: "Read-only forensic search and WAL recovery for SQLite databases",
	Long: `walscope inspects SQLite databases without ever writing to them:
it searches live tables, parses the write-ahead log frame by frame, and
recovers records the main database file no longer shows.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg = zap.NewDevelopmentConfig()
		}
		cfg.OutputPaths = []string{"stderr"}
		l, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l.Sugar()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openSession opens path and leaves teardown to the caller.
func openSession(path string) (*session.Session, error) {
	s, err := session.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}
