package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/icloud/photos"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

// downloadRetries is the per-asset attempt budget for expired signed URLs.
const downloadRetries = 4

// apply executes the plan phase by phase. Phase boundaries are barriers:
// downloads complete before album structure changes, structure before link
// reconciliation, link reconciliation before asset removal.
func (e *Engine) apply(ctx context.Context, plan *Plan, lib *library.PhotosLibrary, pc *photos.Client) (*Result, error) {
	res := &Result{Warnings: append([]error(nil), plan.Warnings...)}

	// Phase 1: downloads, bounded parallelism.
	if err := e.downloadAssets(ctx, plan.AssetsToAdd, lib, pc, res); err != nil {
		return res, err
	}

	// Phase 2: album structure. Creations are parent-first, then stashed
	// albums recover under their re-created parents, then moves, then the
	// archived children of doomed parents are stashed, relocations, and
	// finally deletions child-first.
	for _, album := range plan.AlbumsToCreate {
		if err := lib.CreateAlbum(album); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "create album", err)
		}
		res.AlbumsCreated++
	}
	for _, mv := range plan.AlbumsToRecover {
		if err := lib.MoveAlbum(mv.UUID, mv.NewParent, mv.NewName); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "recover album", err)
		}
	}
	for _, mv := range plan.AlbumsToMove {
		if err := lib.MoveAlbum(mv.UUID, mv.NewParent, mv.NewName); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "move album", err)
		}
		res.AlbumsMoved++
	}
	for _, uuid := range plan.AlbumsToStash {
		if err := lib.StashAlbum(uuid); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "stash album", err)
		}
	}
	for _, uuid := range plan.AlbumsToRelocate {
		if err := lib.RelocateToLostAndFound(uuid); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "relocate album", err)
		}
	}
	for _, uuid := range plan.AlbumsToDelete {
		if err := lib.DeleteAlbum(uuid); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "delete album", err)
		}
		res.AlbumsDeleted++
	}

	// Phase 3: link reconciliation, parallel across albums. Each album's
	// links are applied by exactly one goroutine.
	if err := e.reconcileLinks(ctx, plan, lib, res); err != nil {
		return res, err
	}

	// Phase 4: asset removals, safe now that no album links remain.
	for _, filename := range plan.AssetsToRemove {
		if err := lib.DeleteAsset(filename); err != nil {
			return res, apperr.Wrap(apperr.KindSync, "remove asset", err)
		}
		res.AssetsRemoved++
	}
	return res, nil
}

func (e *Engine) downloadAssets(ctx context.Context, toAdd []photos.RemoteAsset, lib *library.PhotosLibrary, pc *photos.Client, res *Result) error {
	if len(toAdd) == 0 {
		return nil
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DownloadThreads)
	for _, asset := range toAdd {
		g.Go(func() error {
			attempts, err := e.downloadOne(ctx, asset, lib, pc)
			if err == nil {
				mu.Lock()
				res.AssetsDownloaded++
				if attempts > 1 {
					res.Warnings = append(res.Warnings, apperr.Newf(apperr.KindSyncWarning,
						"retried %d times", attempts-1).With("record", asset.RecordName))
				}
				mu.Unlock()
				return nil
			}
			if apperr.IsFatal(err) {
				return err
			}
			// Skipped assets are warnings; the next sync retries them.
			mu.Lock()
			res.Warnings = append(res.Warnings, err)
			mu.Unlock()
			slog.Warn("asset skipped", "record", asset.RecordName, "error", err)
			return nil
		})
	}
	return g.Wait()
}

// downloadOne fetches a single asset, refreshing the signed URL when it has
// expired, with exponential backoff between attempts.
func (e *Engine) downloadOne(ctx context.Context, asset photos.RemoteAsset, lib *library.PhotosLibrary, pc *photos.Client) (int, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(500*time.Millisecond)),
		downloadRetries-1), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		body, err := pc.Download(ctx, asset)
		if errors.Is(err, photos.ErrExpiredURL) {
			fresh, refreshErr := pc.RefreshAsset(ctx, asset)
			if refreshErr != nil {
				return refreshErr
			}
			asset = fresh
			return err // retry with the fresh URL
		}
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInterrupt {
				return backoff.Permanent(err)
			}
			return err
		}
		defer body.Close()

		if _, err := lib.WriteAsset(&asset.Asset, body); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)

	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindInterrupt, apperr.KindLibrary:
			// Cancellation and disk failures abort the sync; only remote
			// trouble downgrades to a per-asset skip.
			return attempts, err
		}
		return attempts, apperr.Wrap(apperr.KindSyncWarning,
			"download failed after retries", err).
			With("record", asset.RecordName).
			With("attempts", attempts)
	}
	return attempts, nil
}

// reconcileLinks groups link operations by album and applies each album's
// set concurrently with the others.
func (e *Engine) reconcileLinks(ctx context.Context, plan *Plan, lib *library.PhotosLibrary, res *Result) error {
	type albumOps struct {
		adds    []LinkOp
		removes []LinkOp
	}
	byAlbum := make(map[string]*albumOps)
	get := func(uuid string) *albumOps {
		ops, ok := byAlbum[uuid]
		if !ok {
			ops = &albumOps{}
			byAlbum[uuid] = ops
		}
		return ops
	}
	for _, op := range plan.LinkAdds {
		get(op.AlbumUUID).adds = append(get(op.AlbumUUID).adds, op)
	}
	for _, op := range plan.LinkRemoves {
		get(op.AlbumUUID).removes = append(get(op.AlbumUUID).removes, op)
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DownloadThreads)
	for uuid, ops := range byAlbum {
		g.Go(func() error {
			for _, op := range ops.removes {
				if err := lib.UnlinkAsset(uuid, op.LinkName); err != nil {
					return apperr.Wrap(apperr.KindSync, "unlink asset", err)
				}
			}
			for _, op := range ops.adds {
				if !lib.HasAsset(op.Filename) {
					// The download was skipped this run.
					mu.Lock()
					res.Warnings = append(res.Warnings, apperr.Newf(apperr.KindSyncWarning,
						"link %s skipped: asset %s missing", op.LinkName, op.Filename))
					mu.Unlock()
					continue
				}
				if err := lib.LinkAsset(uuid, op.LinkName, op.Filename); err != nil {
					return apperr.Wrap(apperr.KindSync, "link asset", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
