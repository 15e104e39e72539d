// Package engine implements the sync transaction: fetch remote state, diff
// it against the local library projection and apply the resulting plan in
// ordered phases. All intermediate state lives in the filesystem, so an
// interrupted sync is simply re-run.
package engine

import (
	"log/slog"
	"sort"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/icloud/photos"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

// AlbumMove re-homes one album.
type AlbumMove struct {
	UUID      string
	NewParent string
	NewName   string
}

// LinkOp adds or removes one asset link in an album.
type LinkOp struct {
	AlbumUUID string
	LinkName  string
	Filename  string // empty on removal
}

// Plan is the minimal set of mutations reconciling local with remote.
// Computation is pure: it touches no filesystem and no network.
type Plan struct {
	AssetsToAdd    []photos.RemoteAsset
	AssetsToRemove []string // filenames

	AlbumsToCreate   []*library.Album // ordered parent before child
	AlbumsToRecover  []AlbumMove      // stashed albums whose parent reappeared
	AlbumsToMove     []AlbumMove
	AlbumsToStash    []string // archived albums whose parent is being deleted
	AlbumsToRelocate []string // archived albums removed remotely, to Lost+Found
	AlbumsToDelete   []string // ordered child before parent

	LinkAdds    []LinkOp
	LinkRemoves []LinkOp

	// Warnings collect per-item issues that do not stop the sync.
	Warnings []error
}

// Empty reports whether applying the plan would mutate anything.
func (p *Plan) Empty() bool {
	return len(p.AssetsToAdd) == 0 && len(p.AssetsToRemove) == 0 &&
		len(p.AlbumsToCreate) == 0 && len(p.AlbumsToRecover) == 0 &&
		len(p.AlbumsToMove) == 0 && len(p.AlbumsToStash) == 0 &&
		len(p.AlbumsToRelocate) == 0 && len(p.AlbumsToDelete) == 0 &&
		len(p.LinkAdds) == 0 && len(p.LinkRemoves) == 0
}

// ComputePlan diffs the remote listing against the local projection.
func ComputePlan(remoteAssets []photos.RemoteAsset, remoteAlbums []photos.RemoteAlbum, lib *library.PhotosLibrary) *Plan {
	p := &Plan{}
	remoteByFilename := p.diffAssets(remoteAssets, lib)
	p.diffAlbums(remoteAssets, remoteAlbums, lib, remoteByFilename)
	return p
}

// diffAssets fills the asset add/remove sets and returns the remote assets
// keyed by local filename.
func (p *Plan) diffAssets(remoteAssets []photos.RemoteAsset, lib *library.PhotosLibrary) map[string]photos.RemoteAsset {
	remoteByFilename := make(map[string]photos.RemoteAsset, len(remoteAssets))
	for _, a := range remoteAssets {
		filename, err := a.Filename()
		if err != nil {
			p.warn(err, "asset", a.RecordName)
			continue
		}
		if _, dup := remoteByFilename[filename]; dup {
			continue
		}
		remoteByFilename[filename] = a

		local, ok := lib.Assets[filename]
		if !ok || local.Size != a.Size {
			// Missing, or present with the wrong size: (re)download.
			p.AssetsToAdd = append(p.AssetsToAdd, a)
		}
	}

	archivedLinked := lib.ArchivedLinkedFilenames()
	for filename := range lib.Assets {
		if _, ok := remoteByFilename[filename]; ok {
			continue
		}
		if archivedLinked[filename] {
			continue
		}
		p.AssetsToRemove = append(p.AssetsToRemove, filename)
	}
	sort.Strings(p.AssetsToRemove)
	return remoteByFilename
}

// desiredAlbum converts a remote album into its local shape, resolving
// asset record names into link names and filenames.
func (p *Plan) desiredAlbum(remote photos.RemoteAlbum, assetsByRecord map[string][]photos.RemoteAsset) *library.Album {
	album := &library.Album{
		UUID:       remote.UUID,
		Name:       remote.Name,
		ParentUUID: remote.ParentUUID,
		Type:       library.AlbumTypeAlbum,
		Assets:     make(map[string]string),
	}
	if remote.Folder {
		album.Type = library.AlbumTypeFolder
		return album
	}
	for _, recordName := range remote.AssetRecordNames {
		for _, a := range assetsByRecord[recordName] {
			linkName, err := a.LinkName(a.Base)
			if err != nil {
				p.warn(err, "album", remote.Name)
				continue
			}
			filename, err := a.Filename()
			if err != nil {
				p.warn(err, "album", remote.Name)
				continue
			}
			album.Assets[linkName] = filename
		}
	}
	return album
}

func (p *Plan) diffAlbums(remoteAssets []photos.RemoteAsset, remoteAlbums []photos.RemoteAlbum, lib *library.PhotosLibrary, remoteByFilename map[string]photos.RemoteAsset) {
	assetsByRecord := make(map[string][]photos.RemoteAsset)
	for _, a := range remoteAssets {
		assetsByRecord[a.RecordName] = append(assetsByRecord[a.RecordName], a)
	}

	desired := make(map[string]*library.Album, len(remoteAlbums))
	for _, remote := range remoteAlbums {
		desired[remote.UUID] = p.desiredAlbum(remote, assetsByRecord)
	}

	// Added albums, parent before child.
	var added []*library.Album
	for uuid := range desired {
		if _, ok := lib.Albums[uuid]; !ok {
			added = append(added, desired[uuid])
		}
	}
	p.AlbumsToCreate = toposortAlbums(added)

	deleteSet := make(map[string]bool)

	// Removed, moved and content-changed albums.
	for uuid, local := range lib.Albums {
		want, ok := desired[uuid]

		if local.Type == library.AlbumTypeArchived {
			switch {
			case !ok:
				// Gone remotely: the frozen copy moves to Lost+Found.
				p.AlbumsToRelocate = append(p.AlbumsToRelocate, uuid)
			case ok && lib.Stashed[uuid]:
				// Stashed and the remote still knows its place: recover it
				// once its parent exists again.
				p.AlbumsToRecover = append(p.AlbumsToRecover, AlbumMove{
					UUID: uuid, NewParent: want.ParentUUID, NewName: want.Name,
				})
			}
			// Archived albums take part in nothing else.
			continue
		}

		if !ok {
			deleteSet[uuid] = true
			continue
		}

		if local.ParentUUID != want.ParentUUID || local.Name != want.Name {
			p.AlbumsToMove = append(p.AlbumsToMove, AlbumMove{
				UUID: uuid, NewParent: want.ParentUUID, NewName: want.Name,
			})
		}

		// Link reconciliation.
		for linkName, filename := range want.Assets {
			if local.Assets[linkName] != filename {
				p.LinkAdds = append(p.LinkAdds, LinkOp{AlbumUUID: uuid, LinkName: linkName, Filename: filename})
			}
		}
		for linkName := range local.Assets {
			if _, keep := want.Assets[linkName]; !keep {
				p.LinkRemoves = append(p.LinkRemoves, LinkOp{AlbumUUID: uuid, LinkName: linkName})
			}
		}
	}

	// Archived albums whose parent is about to be deleted are stashed so
	// the deletion cannot orphan them.
	for uuid, local := range lib.Albums {
		if local.Type == library.AlbumTypeArchived && !lib.Stashed[uuid] && deleteSet[local.ParentUUID] {
			p.AlbumsToStash = append(p.AlbumsToStash, uuid)
		}
	}
	sort.Strings(p.AlbumsToStash)

	// Link sets for newly created albums.
	for _, album := range p.AlbumsToCreate {
		names := make([]string, 0, len(album.Assets))
		for linkName := range album.Assets {
			names = append(names, linkName)
		}
		sort.Strings(names)
		for _, linkName := range names {
			p.LinkAdds = append(p.LinkAdds, LinkOp{AlbumUUID: album.UUID, LinkName: linkName, Filename: album.Assets[linkName]})
		}
	}

	p.AlbumsToDelete = orderDeletions(deleteSet, lib)

	// Only keep link additions whose asset will exist after phase 1.
	p.LinkAdds = p.filterLinkAdds(p.LinkAdds, remoteByFilename, lib)
}

// filterLinkAdds drops links to assets that are neither local nor scheduled
// for download (e.g. renditions skipped over an unknown file type).
func (p *Plan) filterLinkAdds(adds []LinkOp, remoteByFilename map[string]photos.RemoteAsset, lib *library.PhotosLibrary) []LinkOp {
	kept := adds[:0]
	for _, op := range adds {
		_, remote := remoteByFilename[op.Filename]
		_, local := lib.Assets[op.Filename]
		if remote || local {
			kept = append(kept, op)
			continue
		}
		p.warn(apperr.Newf(apperr.KindSyncWarning, "skipping link %s: asset %s unavailable", op.LinkName, op.Filename), "album", op.AlbumUUID)
	}
	return kept
}

// toposortAlbums orders new albums parent-first. Parents already present
// locally impose no ordering constraint.
func toposortAlbums(added []*library.Album) []*library.Album {
	newSet := make(map[string]*library.Album, len(added))
	for _, a := range added {
		newSet[a.UUID] = a
	}

	var ordered []*library.Album
	visited := make(map[string]bool)
	var visit func(a *library.Album)
	visit = func(a *library.Album) {
		if visited[a.UUID] {
			return
		}
		visited[a.UUID] = true
		if parent, ok := newSet[a.ParentUUID]; ok {
			visit(parent)
		}
		ordered = append(ordered, a)
	}

	// Deterministic traversal order.
	uuids := make([]string, 0, len(added))
	for _, a := range added {
		uuids = append(uuids, a.UUID)
	}
	sort.Strings(uuids)
	for _, uuid := range uuids {
		visit(newSet[uuid])
	}
	return ordered
}

// orderDeletions orders deleted albums child-first so removing a parent
// never races its children's name links.
func orderDeletions(deleteSet map[string]bool, lib *library.PhotosLibrary) []string {
	depth := func(uuid string) int {
		d := 0
		for cur := lib.Albums[uuid]; cur != nil && cur.ParentUUID != ""; cur = lib.Albums[cur.ParentUUID] {
			d++
		}
		return d
	}
	uuids := make([]string, 0, len(deleteSet))
	for uuid := range deleteSet {
		uuids = append(uuids, uuid)
	}
	sort.Slice(uuids, func(i, j int) bool {
		di, dj := depth(uuids[i]), depth(uuids[j])
		if di != dj {
			return di > dj
		}
		return uuids[i] < uuids[j]
	})
	return uuids
}

func (p *Plan) warn(err error, key, value string) {
	p.Warnings = append(p.Warnings, err)
	slog.Warn("sync plan warning", "error", err, key, value)
}
