// Package main implements the alpmfetch command-line tool: a
// resumable, multi-mirror file fetcher for package-manager caches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/alpmfetch/alpmfetch/internal/dload"
	"github.com/alpmfetch/alpmfetch/internal/engineconfig"
	"github.com/alpmfetch/alpmfetch/internal/payload"
	"github.com/alpmfetch/alpmfetch/internal/transport"
)

const defaultConfigPath = "/etc/alpmfetch/alpmfetch.toml"

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "alpmfetch",
	Short: "Fetch package-manager files across a mirror list",
	Long: `alpmfetch downloads files from an ordered list of mirror servers, with
resume, conditional-GET, and a bounded-parallel scheduler for batches.`,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <path> <server> [server...]",
	Short: "Download a single file from the first given server; the others are not tried",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runFetch,
}

var fetchAllCmd = &cobra.Command{
	Use:   "fetch-all <manifest.toml>",
	Short: "Download every entry in a manifest, bounded by parallel_downloads",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetchAll,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("alpmfetch %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(fetchAllCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")

	fetchCmd.Flags().Bool("resume", false, "resume from an existing .part file")
	fetchCmd.Flags().Bool("force", false, "bypass conditional GET even if the destination exists")
	fetchCmd.Flags().Uint64("max-size", 0, "abort if the transfer exceeds this many bytes (0 = no limit)")
	fetchCmd.Flags().Bool("trust-remote-name", false, "rename the destination from Content-Disposition or the effective URL")

	fetchAllCmd.Flags().Int("parallel", 0, "override parallel_downloads from the config file")
}

func loadConfig() (*engineconfig.Config, error) {
	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "apply log config")
	}
	return cfg, nil
}

func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// barSink is an EventSink that drives a cheggaaa/pb progress bar pool,
// one bar per non-signature payload, matching the engine's rule that
// signature companions never reach the sink.
type barSink struct {
	pool *pb.Pool
	bars map[*payload.Payload]*pb.ProgressBar
}

func newBarSink() *barSink {
	return &barSink{bars: make(map[*payload.Payload]*pb.ProgressBar)}
}

func (b *barSink) Init(p *payload.Payload, _ bool) {
	bar := pb.New64(0).Set(pb.Bytes, true).
		SetTemplateString(`{{ "` + shortName(p) + `:" }} {{ bar . }} {{percent . }} {{speed . "%s/s"}}`)
	b.bars[p] = bar
	if b.pool == nil {
		b.pool, _ = pb.StartPool(bar)
		return
	}
	_ = b.pool.Add(bar)
}

func (b *barSink) Progress(p *payload.Payload, total, downloaded int64) {
	if bar, ok := b.bars[p]; ok {
		bar.SetTotal(total)
		bar.SetCurrent(downloaded)
	}
}

func (b *barSink) Completed(p *payload.Payload, _ int64, _ dload.Result) {
	if bar, ok := b.bars[p]; ok {
		bar.Finish()
	}
}

func (b *barSink) close() {
	if b.pool != nil {
		_ = b.pool.Stop()
	}
}

func shortName(p *payload.Payload) string {
	if p.RemoteName != "" {
		return p.RemoteName
	}
	return p.FilePath
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose-errors")
	resume, _ := cmd.Flags().GetBool("resume")
	force, _ := cmd.Flags().GetBool("force")
	maxSize, _ := cmd.Flags().GetUint64("max-size")
	trustRemoteName, _ := cmd.Flags().GetBool("trust-remote-name")

	filePath := args[0]
	servers := args[1:]

	p := payload.New(payload.Request{
		FilePath:        filePath,
		Servers:         servers,
		MaxSize:         maxSize,
		AllowResume:     resume,
		Force:           force,
		TrustRemoteName: trustRemoteName,
	})

	client := transport.NewClient(transport.DefaultClientConfig())
	dcfg := dload.Config{
		CacheDir:          cfg.CacheDir,
		UserAgent:         cfg.UserAgent,
		DisableDLTimeout:  cfg.DisableDLTimeout,
		LowSpeedLimit:     cfg.LowSpeedLimit,
		LowSpeedWindow:    cfg.LowSpeedWindow,
		ParallelDownloads: cfg.ParallelDownloads,
	}

	sink := newBarSink()
	defer sink.close()
	sess := dload.NewSession(client, dcfg, sink)

	ctx, cancel := interruptContext()
	defer cancel()

	result, err := sess.Download(ctx, p, cfg.CacheDir)
	if err != nil {
		// The per-file failure (short name, host, error) was already
		// logged by the driver; this is just the user-facing summary.
		fmt.Fprintln(os.Stderr, formatError(err, verbose))
		if !verbose {
			fmt.Fprintln(os.Stderr, "run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	slog.Info("fetch finished", "path", filePath, "result", resultString(result))
	return nil
}

func resultString(r dload.Result) string {
	switch r {
	case dload.ResultDownloaded:
		return "downloaded"
	case dload.ResultUpToDate:
		return "up-to-date"
	default:
		return "failed"
	}
}

// manifestEntry mirrors one [[file]] table of a fetch-all manifest.
type manifestEntry struct {
	Path            string   `toml:"path"`
	Servers         []string `toml:"servers"`
	MaxSize         uint64   `toml:"max_size"`
	AllowResume     bool     `toml:"allow_resume"`
	Force           bool     `toml:"force"`
	ErrorsOK        bool     `toml:"errors_ok"`
	TrustRemoteName bool     `toml:"trust_remote_name"`
	Signature       bool     `toml:"signature"`
	UnlinkOnFail    bool     `toml:"unlink_on_fail"`
}

type manifest struct {
	File []manifestEntry `toml:"file"`
}

func runFetchAll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose-errors")
	parallelOverride, _ := cmd.Flags().GetInt("parallel")

	var man manifest
	if _, err := toml.DecodeFile(args[0], &man); err != nil {
		return errors.Wrap(err, "decode manifest")
	}

	payloads := make([]*payload.Payload, 0, len(man.File))
	for _, e := range man.File {
		payloads = append(payloads, payload.New(payload.Request{
			FilePath:        e.Path,
			Servers:         e.Servers,
			MaxSize:         e.MaxSize,
			AllowResume:     e.AllowResume,
			Force:           e.Force,
			ErrorsOK:        e.ErrorsOK,
			TrustRemoteName: e.TrustRemoteName,
			Signature:       e.Signature,
			UnlinkOnFail:    e.UnlinkOnFail,
		}))
	}

	client := transport.NewClient(transport.DefaultClientConfig())
	dcfg := dload.Config{
		CacheDir:          cfg.CacheDir,
		UserAgent:         cfg.UserAgent,
		DisableDLTimeout:  cfg.DisableDLTimeout,
		LowSpeedLimit:     cfg.LowSpeedLimit,
		LowSpeedWindow:    cfg.LowSpeedWindow,
		ParallelDownloads: cfg.ParallelDownloads,
	}
	if parallelOverride > 0 {
		dcfg.ParallelDownloads = parallelOverride
	}

	sink := newBarSink()
	defer sink.close()
	sess := dload.NewSession(client, dcfg, sink)
	sched := dload.NewScheduler(sess, dcfg, sink)

	ctx, cancel := interruptContext()
	defer cancel()

	if err := sched.RunAll(ctx, payloads, cfg.CacheDir); err != nil {
		// Each failing file was already logged by the driver (short name,
		// host, error); this reports the batch's first fatal failure.
		fmt.Fprintln(os.Stderr, "fetch-all: "+formatError(err, verbose))
		if !verbose {
			fmt.Fprintln(os.Stderr, "run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	slog.Info("fetch-all finished", "manifest", args[0], "files", len(payloads))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose-errors")
	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		msg := formatError(err, verbose)
		slog.Error("configuration invalid", "path", configPath, "error", msg)
		os.Exit(1)
	}
	fmt.Printf("configuration at %s is valid\n", configPath)
	fmt.Printf("cache_dir: %s\n", cfg.CacheDir)
	fmt.Printf("parallel_downloads: %d\n", cfg.ParallelDownloads)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
