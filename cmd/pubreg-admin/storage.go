package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ned1313/pub-registry/internal/bootstrap"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/migration"
	"github.com/ned1313/pub-registry/internal/storage"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Stage, migrate to and activate a new storage backend",
	Long: `Move package archives to a new storage backend.

The usual sequence is stage, preview, migrate, verify, activate. The server
should not accept publishes while a migration runs; restart it after
activation so it opens the new backend.`,
}

var stageFlags config.StorageConfig

var (
	migrateOverwrite bool
	migrateQuiet     bool
	skipVerify       bool
)

var storageStageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Record the target backend in the pending slot",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *adminEnv, _ []string) error {
		return stageStorage(ctx, e, &stageFlags)
	}),
}

var storageShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active and pending backends",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *adminEnv, _ []string) error {
		return showStorage(ctx, e)
	}),
}

var storageDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Drop the pending backend",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *adminEnv, _ []string) error {
		return discardStorage(ctx, e)
	}),
}

var storagePreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Report which archives a migration would copy",
	Args:  cobra.NoArgs,
	RunE: withSignals(func(ctx context.Context, e *adminEnv, _ []string) error {
		return previewStorage(ctx, e)
	}),
}

var storageMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every catalogued archive to the pending backend",
	Args:  cobra.NoArgs,
	RunE: withSignals(func(ctx context.Context, e *adminEnv, _ []string) error {
		return migrateStorage(ctx, e, migrateOverwrite, migrateQuiet)
	}),
}

var storageVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every catalogued archive in the pending backend",
	Args:  cobra.NoArgs,
	RunE: withSignals(func(ctx context.Context, e *adminEnv, _ []string) error {
		return verifyStorage(ctx, e)
	}),
}

var storageActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Promote the pending backend to active",
	Args:  cobra.NoArgs,
	RunE: withSignals(func(ctx context.Context, e *adminEnv, _ []string) error {
		return activateStorage(ctx, e, skipVerify)
	}),
}

func init() {
	f := storageStageCmd.Flags()
	f.StringVar(&stageFlags.Type, "type", "", "Backend type: local or s3")
	f.StringVar(&stageFlags.Path, "path", "", "Directory for local storage")
	f.StringVar(&stageFlags.Bucket, "bucket", "", "S3 bucket")
	f.StringVar(&stageFlags.Region, "region", "", "S3 region")
	f.StringVar(&stageFlags.Endpoint, "endpoint", "", "Custom S3 endpoint (MinIO and similar)")
	f.StringVar(&stageFlags.AccessKey, "access-key", "", "S3 access key")
	f.StringVar(&stageFlags.SecretKey, "secret-key", "", "S3 secret key, sealed before it is stored")
	f.BoolVar(&stageFlags.ForcePathStyle, "force-path-style", false, "Use path-style S3 addressing")
	_ = storageStageCmd.MarkFlagRequired("type")

	storageMigrateCmd.Flags().BoolVar(&migrateOverwrite, "overwrite", false, "Re-copy archives already in the target")
	storageMigrateCmd.Flags().BoolVarP(&migrateQuiet, "quiet", "q", false, "Only print the summary")
	storageActivateCmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Activate without verifying the target first")

	storageCmd.AddCommand(storageStageCmd, storageShowCmd, storageDiscardCmd,
		storagePreviewCmd, storageMigrateCmd, storageVerifyCmd, storageActivateCmd)
	rootCmd.AddCommand(storageCmd)
}

// withSignals is withEnv with a context cancelled on SIGINT or SIGTERM
func withSignals(fn func(ctx context.Context, e *adminEnv, args []string) error) func(*cobra.Command, []string) error {
	return withEnv(func(ctx context.Context, e *adminEnv, args []string) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, e, args)
	})
}

func stageStorage(ctx context.Context, e *adminEnv, target *config.StorageConfig) error {
	settings, err := storage.SettingsFromConfig(database.SlotPending, target, e.keys)
	if err != nil {
		return err
	}

	scfg, err := storage.ConfigFromSettings(e.cfg.Storage, settings, e.keys)
	if err != nil {
		return err
	}
	active, _, err := bootstrap.ResolveStorage(ctx, e.cfg, e.store, e.keys)
	if err != nil {
		return err
	}
	if storage.Describe(active) == storage.Describe(scfg) {
		return fmt.Errorf("%s is already the active storage", storage.Describe(scfg))
	}

	// Probe the backend now rather than at migrate time
	blobs, err := bootstrap.OpenStorage(ctx, e.cfg, scfg, storage.Options{}, e.log.Named("storage"))
	if err != nil {
		return err
	}
	blobs.Close()

	if err := e.store.StorageConfig.Put(ctx, settings); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "✓ Staged %s as pending storage\n", storage.Describe(scfg))
	return nil
}

func showStorage(ctx context.Context, e *adminEnv) error {
	active, fromCatalog, err := bootstrap.ResolveStorage(ctx, e.cfg, e.store, e.keys)
	if err != nil {
		return err
	}
	source := "config file"
	if fromCatalog {
		source = "catalog"
	}
	fmt.Fprintf(e.out, "Active:  %s (from %s)\n", storage.Describe(active), source)

	pending, err := e.store.StorageConfig.Get(ctx, database.SlotPending)
	if err != nil {
		return err
	}
	if pending == nil {
		fmt.Fprintln(e.out, "Pending: none")
		return nil
	}
	pcfg, err := storage.ConfigFromSettings(e.cfg.Storage, pending, e.keys)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Pending: %s (staged %s)\n", storage.Describe(pcfg), pending.UpdatedAt.Format(time.RFC3339))
	return nil
}

func discardStorage(ctx context.Context, e *adminEnv) error {
	pending, err := e.store.StorageConfig.Get(ctx, database.SlotPending)
	if err != nil {
		return err
	}
	if pending == nil {
		fmt.Fprintln(e.out, "Nothing staged.")
		return nil
	}
	if !e.confirm("Discard pending %s storage?", pending.Type) {
		return errAborted
	}
	if err := e.store.StorageConfig.Discard(ctx); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "✓ Pending storage discarded")
	return nil
}

// migrationPair opens the active source and the pending target. The caller
// closes both stores.
type migrationPair struct {
	source, target         storage.BlobStore
	sourceDesc, targetDesc string
}

func (p *migrationPair) Close() {
	p.source.Close()
	p.target.Close()
}

func openMigrationPair(ctx context.Context, e *adminEnv) (*migrationPair, error) {
	pending, err := e.store.StorageConfig.Get(ctx, database.SlotPending)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("no pending storage; run 'storage stage' first")
	}
	tcfg, err := storage.ConfigFromSettings(e.cfg.Storage, pending, e.keys)
	if err != nil {
		return nil, err
	}
	scfg, _, err := bootstrap.ResolveStorage(ctx, e.cfg, e.store, e.keys)
	if err != nil {
		return nil, err
	}
	if storage.Describe(scfg) == storage.Describe(tcfg) {
		return nil, fmt.Errorf("pending storage %s is the active storage", storage.Describe(tcfg))
	}

	source, err := bootstrap.OpenStorage(ctx, e.cfg, scfg, storage.Options{}, e.log.Named("source"))
	if err != nil {
		return nil, err
	}
	target, err := bootstrap.OpenStorage(ctx, e.cfg, tcfg, storage.Options{}, e.log.Named("target"))
	if err != nil {
		source.Close()
		return nil, err
	}
	return &migrationPair{
		source:     source,
		target:     target,
		sourceDesc: storage.Describe(scfg),
		targetDesc: storage.Describe(tcfg),
	}, nil
}

func (e *adminEnv) migrationOptions() migration.Options {
	return migration.Options{
		Concurrency: e.cfg.Migration.Concurrency,
		RatePerSec:  float64(e.cfg.Migration.RateLimitPerSecond),
		CopyTimeout: e.cfg.Storage.GetRequestTimeout() * 10,
	}
}

func previewStorage(ctx context.Context, e *adminEnv) error {
	pair, err := openMigrationPair(ctx, e)
	if err != nil {
		return err
	}
	defer pair.Close()

	p, err := migration.New(e.store.Versions, pair.source, pair.target, e.log.Named("migration"), nil).Preview(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "Source: %s\nTarget: %s\n\n", pair.sourceDesc, pair.targetDesc)
	fmt.Fprintf(e.out, "Catalogued archives:  %d\n", p.Total)
	fmt.Fprintf(e.out, "To copy:              %d (%s)\n", len(p.OnlySource), formatBytes(p.Bytes))
	fmt.Fprintf(e.out, "Already in target:    %d\n", len(p.Both))
	fmt.Fprintf(e.out, "Only in target:       %d\n", len(p.OnlyTarget))
	fmt.Fprintf(e.out, "Missing from both:    %d\n", len(p.Neither))
	printKeys(e.out, "Missing from both", p.Neither)
	return nil
}

func migrateStorage(ctx context.Context, e *adminEnv, overwrite, quiet bool) error {
	pair, err := openMigrationPair(ctx, e)
	if err != nil {
		return err
	}
	defer pair.Close()

	if !e.confirm("Copy archives from %s to %s?", pair.sourceDesc, pair.targetDesc) {
		return errAborted
	}

	opts := e.migrationOptions()
	opts.Overwrite = overwrite
	if !quiet {
		opts.Progress = func(p migration.Progress) {
			line := fmt.Sprintf("[%d/%d] %s %s", p.Done, p.Total, p.Outcome, p.Key)
			if p.Err != nil {
				line += ": " + p.Err.Error()
			}
			fmt.Fprintln(e.out, line)
		}
	}

	report, err := migration.New(e.store.Versions, pair.source, pair.target, e.log.Named("migration"), nil).Migrate(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "\nCopied %d, skipped %d, missing in source %d, failed %d of %d\n",
		report.Copied, report.Skipped, report.MissingSource, len(report.Failures), report.Total)
	for _, f := range report.Failures {
		fmt.Fprintf(e.out, "  %s: %v\n", f.Key, f.Err)
	}
	if report.Interrupted {
		return fmt.Errorf("migration interrupted; rerun to resume")
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d archives failed to copy", len(report.Failures))
	}
	return nil
}

func verifyStorage(ctx context.Context, e *adminEnv) error {
	pair, err := openMigrationPair(ctx, e)
	if err != nil {
		return err
	}
	defer pair.Close()

	report, err := runVerify(ctx, e, pair)
	if err != nil {
		return err
	}
	if !report.Clean() {
		return fmt.Errorf("target storage does not match the catalog")
	}
	return nil
}

func runVerify(ctx context.Context, e *adminEnv, pair *migrationPair) (*migration.VerifyReport, error) {
	report, err := migration.New(e.store.Versions, pair.source, pair.target, e.log.Named("migration"), nil).
		Verify(ctx, e.migrationOptions())
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(e.out, "Verified %d of %d archives in %s\n", report.Matched, report.Total, pair.targetDesc)
	printKeys(e.out, "Digest mismatch", report.Mismatched)
	printKeys(e.out, "Missing in target", report.MissingTarget)
	printKeys(e.out, "Source digest mismatch", report.SourceMismatched)
	printKeys(e.out, "Missing in source", report.MissingSource)
	for _, f := range report.Failures {
		fmt.Fprintf(e.out, "  error %s: %v\n", f.Key, f.Err)
	}
	if report.Interrupted {
		fmt.Fprintln(e.out, "Verification interrupted.")
	}
	return report, nil
}

func activateStorage(ctx context.Context, e *adminEnv, skipVerify bool) error {
	pair, err := openMigrationPair(ctx, e)
	if err != nil {
		return err
	}
	defer pair.Close()

	if !skipVerify {
		report, err := runVerify(ctx, e, pair)
		if err != nil {
			return err
		}
		if !report.Clean() {
			return fmt.Errorf("refusing to activate: target storage does not match the catalog (use --skip-verify to override)")
		}
	}

	if !e.confirm("Make %s the active storage? Restart the server afterwards", pair.targetDesc) {
		return errAborted
	}
	ok, err := e.store.StorageConfig.Activate(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pending storage disappeared before activation")
	}
	fmt.Fprintf(e.out, "✓ %s is now the active storage\n", pair.targetDesc)
	return nil
}

func printKeys(w io.Writer, title string, keys []string) {
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\n", k)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
