package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/config"
	"github.com/normalerweise/icloud-photos-sync/internal/icloud"
	"github.com/normalerweise/icloud-photos-sync/internal/icloud/photos"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

// Options configures the sync engine.
type Options struct {
	Config *config.Config
	Client *icloud.Client
	// MFARequests is the typed intake channel; nil in unattended runs.
	MFARequests <-chan icloud.MFARequest
	// PhotosOptions tune the query client; used by tests.
	PhotosOptions []photos.Option
}

// Engine runs sync transactions against one library.
type Engine struct {
	cfg         *config.Config
	client      *icloud.Client
	mfaRequests <-chan icloud.MFARequest
	photosOpts  []photos.Option
}

// Result summarizes what one sync changed.
type Result struct {
	AssetsDownloaded int
	AssetsRemoved    int
	AlbumsCreated    int
	AlbumsMoved      int
	AlbumsDeleted    int
	Warnings         []error
}

// New creates a sync engine.
func New(opts Options) *Engine {
	return &Engine{
		cfg:         opts.Config,
		client:      opts.Client,
		mfaRequests: opts.MFARequests,
		photosOpts:  opts.PhotosOptions,
	}
}

// Sync runs one sync transaction, retrying fatal failures with a fresh
// authentication up to the configured budget. Interrupts are never retried.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying sync with fresh authentication",
				"attempt", attempt+1, "error", lastErr)
			if err := e.client.Reset(); err != nil {
				return nil, err
			}
		}
		res, err := e.syncOnce(ctx)
		if err == nil {
			return res, nil
		}
		if apperr.KindOf(err) == apperr.KindInterrupt {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.Wrap(apperr.KindSync,
		fmt.Sprintf("sync failed after %d attempts", e.cfg.MaxRetries+1), lastErr)
}

// syncOnce is one full pass: authenticate, fetch, plan, apply.
func (e *Engine) syncOnce(ctx context.Context) (*Result, error) {
	lib, err := library.Load(e.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	// Leftovers from an interrupted run are garbage by definition.
	if err := lib.SweepTempFiles(); err != nil {
		return nil, err
	}

	pc, err := e.ready(ctx)
	if err != nil {
		return nil, err
	}

	albums, err := pc.FetchAllAlbums(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := pc.FetchAllAssets(ctx, albums)
	if err != nil {
		return nil, err
	}
	slog.Info("remote library listed", "assets", len(assets), "albums", len(albums))

	plan := ComputePlan(assets, albums, lib)
	if plan.Empty() {
		slog.Info("library already in sync")
		return &Result{Warnings: plan.Warnings}, nil
	}
	slog.Info("applying sync plan",
		"downloads", len(plan.AssetsToAdd),
		"removals", len(plan.AssetsToRemove),
		"album_creates", len(plan.AlbumsToCreate),
		"album_moves", len(plan.AlbumsToMove),
		"album_deletes", len(plan.AlbumsToDelete))

	res, err := e.apply(ctx, plan, lib, pc)
	if err != nil {
		return nil, err
	}
	stats := lib.Stats()
	slog.Info("sync done",
		"downloaded", res.AssetsDownloaded,
		"removed", res.AssetsRemoved,
		"assets", stats.Assets,
		"albums", stats.Albums,
		"warnings", len(res.Warnings))
	return res, nil
}

// ready drives the auth state machine to READY and returns the query client.
func (e *Engine) ready(ctx context.Context) (*photos.Client, error) {
	if e.client.State() == icloud.StateUnauthenticated {
		if err := e.client.Authenticate(ctx, e.mfaRequests); err != nil {
			return nil, err
		}
	}

	pc := photos.NewClient(e.client.HTTPClient(), e.client.PhotosDomain(), e.reauth, e.photosOpts...)

	if e.client.State() == icloud.StateSetupDone {
		if err := pc.WarmUp(ctx); err != nil {
			return nil, err
		}
		if err := e.client.MarkReady(); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// reauth is handed to the query layer: a 401 mid-sync means the web session
// expired, so authentication starts over.
func (e *Engine) reauth(ctx context.Context) error {
	if err := e.client.Reset(); err != nil {
		return err
	}
	return e.client.Authenticate(ctx, e.mfaRequests)
}

// PhotosClient exposes a ready query client for the archive engine, which
// runs after a sync and reuses the authenticated session.
func (e *Engine) PhotosClient(ctx context.Context) (*photos.Client, error) {
	return e.ready(ctx)
}
