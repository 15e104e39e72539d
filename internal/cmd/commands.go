package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/normalerweise/icloud-photos-sync/internal/archive"
	"github.com/normalerweise/icloud-photos-sync/internal/daemon"
	"github.com/normalerweise/icloud-photos-sync/internal/engine"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

// TokenCmd authenticates and persists the trust token, nothing more. Useful
// to get MFA out of the way before unattended runs.
type TokenCmd struct{}

func (c *TokenCmd) Run(ctx context.Context, cli *CLI) error {
	return cli.withPipeline(ctx, func(ctx context.Context, p *pipeline) error {
		if err := p.client.Authenticate(ctx, p.mfa); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "trust token acquired and persisted")
		return nil
	})
}

// SyncCmd runs one full sync.
type SyncCmd struct{}

func (c *SyncCmd) Run(ctx context.Context, cli *CLI) error {
	return cli.withPipeline(ctx, func(ctx context.Context, p *pipeline) error {
		res, err := p.engine.Sync(ctx)
		if err != nil {
			return err
		}
		printSummary(res)
		return nil
	})
}

// ArchiveCmd syncs, then freezes the given album folder.
type ArchiveCmd struct {
	Path         string `arg:"" help:"Path of the album folder to archive"`
	RemoteDelete bool   `name:"remote-delete" help:"Also delete the archived originals from the remote library"`
}

func (c *ArchiveCmd) Run(ctx context.Context, cli *CLI) error {
	return cli.withPipeline(ctx, func(ctx context.Context, p *pipeline) error {
		// Archive operates on a freshly synced library.
		if _, err := p.engine.Sync(ctx); err != nil {
			return err
		}

		lib, err := library.Load(p.cfg.DataDir)
		if err != nil {
			return err
		}
		pc, err := p.engine.PhotosClient(ctx)
		if err != nil {
			return err
		}
		albums, err := pc.FetchAllAlbums(ctx)
		if err != nil {
			return err
		}
		assets, err := pc.FetchAllAssets(ctx, albums)
		if err != nil {
			return err
		}

		res, err := archive.Run(ctx, lib, c.Path, assets, c.RemoteDelete, pc.DeleteAssets)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "archived %s: %d assets frozen, %d deleted remotely\n",
			res.Album, res.Copied, res.RemoteDeleted)
		return nil
	})
}

// DaemonCmd runs syncs on the configured schedule until interrupted.
type DaemonCmd struct{}

func (c *DaemonCmd) Run(ctx context.Context, cli *CLI) error {
	return cli.withPipeline(ctx, func(ctx context.Context, p *pipeline) error {
		d, err := daemon.New(p.cfg.Schedule, func(ctx context.Context) error {
			_, err := p.engine.Sync(ctx)
			return err
		}, &daemon.Config{
			RetryBackoff: daemon.DefaultConfig().RetryBackoff,
			OnEvent: func(e daemon.Event) {
				switch e.Kind {
				case daemon.EventScheduled:
					slog.Info("daemon: next run", "at", e.At)
				case daemon.EventFailed:
					slog.Error("daemon: run failed", "attempt", e.Attempt, "error", e.Err)
				}
			},
		})
		if err != nil {
			return err
		}
		slog.Info("daemon started", "schedule", p.cfg.Schedule)
		return d.Start(ctx)
	})
}

func printSummary(res *engine.Result) {
	fmt.Fprintf(os.Stdout, "sync done: %d downloaded, %d removed, %d albums created, %d moved, %d deleted, %d warnings\n",
		res.AssetsDownloaded, res.AssetsRemoved, res.AlbumsCreated, res.AlbumsMoved, res.AlbumsDeleted, len(res.Warnings))
}
