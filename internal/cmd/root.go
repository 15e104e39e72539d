// Package cmd wires the CLI: flag/env parsing, logging, the library lock
// and the auth/sync pipeline shared by all commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/config"
	"github.com/normalerweise/icloud-photos-sync/internal/engine"
	"github.com/normalerweise/icloud-photos-sync/internal/icloud"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
	"github.com/normalerweise/icloud-photos-sync/internal/logging"
	"github.com/normalerweise/icloud-photos-sync/internal/mfaserver"
)

// Version is injected at build time.
var Version = "dev"

// RootFlags are shared by every command. CLI flags override the
// environment, which overrides the optional config file. The file only
// fills fields left empty; fields with a default below are always set, so
// the file does not change them.
type RootFlags struct {
	Username   string `short:"u" help:"Apple ID username" env:"APPLE_ID_USER"`
	Password   string `short:"p" help:"Apple ID password (prompted when omitted on a terminal)" env:"APPLE_ID_PWD"`
	TrustToken string `short:"T" help:"Trust token obtained from a previous MFA run" env:"TRUST_TOKEN"`

	DataDir string `short:"d" help:"Library data directory" env:"DATA_DIR" default:"/opt/icloud-photos-library"`
	Port    int    `short:"P" help:"Port of the MFA intake server" env:"PORT" default:"80"`

	Force        bool `help:"Take over a foreign library lock" env:"FORCE"`
	RefreshToken bool `name:"refresh-token" help:"Discard the persisted trust token before authenticating"`
	FailOnMFA    bool `name:"fail-on-mfa" help:"Fail instead of waiting for MFA input (for unattended runs)" env:"FAIL_ON_MFA"`

	DownloadThreads int    `name:"download-threads" help:"Parallel asset downloads" env:"DOWNLOAD_THREADS" default:"16"`
	Schedule        string `help:"Cron expression for daemon mode" env:"SCHEDULE" default:"0 2 * * *"`
	LogLevel        string `name:"log-level" help:"Log level" env:"LOG_LEVEL" enum:"trace,debug,info,warn,error" default:"info"`

	EnableCrashReporting bool   `name:"enable-crash-reporting" help:"Attach report ids and upload crash reports" env:"ENABLE_CRASH_REPORTING"`
	ConfigFile           string `name:"config" help:"Optional TOML config file" type:"path"`
}

// CLI is the command tree.
type CLI struct {
	RootFlags `embed:""`

	Version kong.VersionFlag `help:"Print version and exit"`

	Token   TokenCmd   `cmd:"" help:"Authenticate and persist a trust token"`
	Sync    SyncCmd    `cmd:"" help:"Mirror the remote library into the data directory"`
	Archive ArchiveCmd `cmd:"" help:"Freeze an album folder locally"`
	Daemon  DaemonCmd  `cmd:"" default:"withargs" help:"Run syncs on a schedule"`
}

// Execute parses args and runs the selected command.
func Execute(args []string) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("icloud-photos-sync"),
		kong.Description("One-way sync of an iCloud Photos Library to a local directory tree."),
		kong.Vars{"version": Version},
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return usageError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(&cli)
	runErr := kctx.Run()
	if runErr != nil && ctx.Err() != nil && apperr.KindOf(runErr) != apperr.KindInterrupt {
		runErr = apperr.Wrap(apperr.KindInterrupt, "interrupted", runErr)
	}
	return runErr
}

// usageError marks CLI parse failures for exit-code mapping.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage usageError
	if errors.As(err, &usage) {
		return 1
	}
	if kind := apperr.KindOf(err); kind != "" {
		return kind.ExitCode()
	}
	return 9
}

// buildConfig merges flags/env with the optional config file and fills the
// password interactively when possible.
func (f *RootFlags) buildConfig() (*config.Config, error) {
	cfg := &config.Config{
		Username:             f.Username,
		Password:             f.Password,
		TrustToken:           f.TrustToken,
		DataDir:              f.DataDir,
		Port:                 f.Port,
		Force:                f.Force,
		RefreshToken:         f.RefreshToken,
		FailOnMFA:            f.FailOnMFA,
		DownloadThreads:      f.DownloadThreads,
		Schedule:             f.Schedule,
		LogLevel:             f.LogLevel,
		EnableCrashReporting: f.EnableCrashReporting,
	}
	if f.ConfigFile != "" {
		if err := cfg.LoadFile(f.ConfigFile); err != nil {
			return nil, usageError{err}
		}
	}
	cfg.ApplyDefaults()

	if cfg.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Username)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		cfg.Password = string(pw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, usageError{err}
	}
	cfg.Scrub()
	return cfg, nil
}

// pipeline holds everything a command needs once the shared setup ran.
type pipeline struct {
	cfg    *config.Config
	client *icloud.Client
	engine *engine.Engine
	mfa    <-chan icloud.MFARequest
}

// withPipeline runs the shared setup (config, logging, lock, MFA server,
// auth client), invokes fn and tears everything down. The lock is released
// on every exit path.
func (f *RootFlags) withPipeline(ctx context.Context, fn func(ctx context.Context, p *pipeline) error) (err error) {
	cfg, err := f.buildConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "prepare data directory", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return usageError{err}
	}
	logger, closeLog, err := logging.Setup(level, cfg.LogPath())
	if err != nil {
		return err
	}
	defer closeLog()

	reporter := apperr.Reporter(apperr.NopReporter{})
	if cfg.EnableCrashReporting {
		reporter = apperr.LogReporter{Logger: logger}
	}
	defer func() {
		var appErr *apperr.Error
		if err != nil && errors.As(err, &appErr) && appErr.Severity == apperr.Fatal {
			reporter.Report(appErr)
		}
	}()

	lock := library.NewLock(cfg.DataDir)
	if err := lock.Acquire(cfg.Force); err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(true); releaseErr != nil {
			slog.Warn("could not release library lock", "error", releaseErr)
		}
	}()

	tokenStore := icloud.TrustTokenStore{Path: cfg.TrustTokenPath()}
	if cfg.RefreshToken {
		if err := tokenStore.Clear(); err != nil {
			return err
		}
	}
	if cfg.TrustToken != "" {
		// A token passed by flag or env seeds the store.
		if err := tokenStore.Save(cfg.TrustToken); err != nil {
			return err
		}
	}

	client, err := icloud.NewClient(icloud.Options{
		Username:   cfg.Username,
		Password:   cfg.Password,
		TokenStore: tokenStore,
		FailOnMFA:  cfg.FailOnMFA,
		Timeout:    cfg.RequestTimeout,
	})
	if err != nil {
		return err
	}

	// The MFA intake server runs for the whole pipeline; it is only
	// consulted when the auth machine lands in MFA_REQUIRED.
	var mfaRequests <-chan icloud.MFARequest
	mfaCtx, stopMFA := context.WithCancel(ctx)
	defer stopMFA()
	if !cfg.FailOnMFA {
		server := mfaserver.New(cfg.Port)
		mfaRequests = server.Requests()
		go func() {
			if serveErr := server.Start(mfaCtx); serveErr != nil {
				slog.Warn("MFA server stopped", "error", serveErr)
			}
		}()
	}

	p := &pipeline{
		cfg:    cfg,
		client: client,
		mfa:    mfaRequests,
		engine: engine.New(engine.Options{
			Config:      cfg,
			Client:      client,
			MFARequests: mfaRequests,
		}),
	}
	return fn(ctx, p)
}
