// Command pubreg-admin is the operator CLI for a pub registry: accounts,
// tokens and offline storage migration.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/bootstrap"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/logging"
	"github.com/ned1313/pub-registry/internal/version"
)

var (
	cfgFile   string
	assumeYes bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "pubreg-admin",
	Short:         "Administer a pub registry",
	Long:          `Manage users, administrators and tokens, and move archives between storage backends.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file (HCL)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Do not prompt before destructive changes")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

// adminEnv is what every subcommand works against
type adminEnv struct {
	cfg   *config.Config
	log   *zap.Logger
	db    *database.DB
	store *database.Store
	keys  *auth.Keyring
	out   io.Writer
	in    *bufio.Reader
	yes   bool
}

func (e *adminEnv) Close() {
	e.db.Close()
	e.log.Sync()
}

// openEnv loads the config and opens the catalog for cmd
func openEnv(cmd *cobra.Command) (*adminEnv, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// Logs go to stderr so command output stays parseable
	cfg.Logging.Output = "stderr"
	cfg.Logging.Format = "text"
	cfg.Logging.Level = "warn"
	if verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newEnv(cmd.Context(), cfg, log, cmd.OutOrStdout(), cmd.InOrStdin(), assumeYes)
}

func newEnv(ctx context.Context, cfg *config.Config, log *zap.Logger, out io.Writer, in io.Reader, yes bool) (*adminEnv, error) {
	keys, err := auth.NewKeyring(cfg.Auth.SecretKey)
	if err != nil {
		return nil, err
	}
	db, err := bootstrap.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &adminEnv{
		cfg:   cfg,
		log:   log,
		db:    db,
		store: database.NewStore(db),
		keys:  keys,
		out:   out,
		in:    bufio.NewReader(in),
		yes:   yes,
	}, nil
}

// confirm asks before a destructive change unless --yes was given
func (e *adminEnv) confirm(format string, args ...interface{}) bool {
	if e.yes {
		return true
	}
	fmt.Fprintf(e.out, format+" [y/N]: ", args...)
	answer, _ := e.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// errAborted is returned when the operator declines a prompt
var errAborted = fmt.Errorf("aborted")

// withEnv adapts a subcommand body to cobra's RunE
func withEnv(fn func(ctx context.Context, e *adminEnv, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd.Context(), e, args)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
