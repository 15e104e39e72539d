package library

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/config"
)

// namePath returns where an album's user-visible symlink lives.
func (l *PhotosLibrary) namePath(a *Album) string {
	if a.ParentUUID == "" {
		return filepath.Join(l.Root, a.Name)
	}
	return filepath.Join(l.Root, "."+a.ParentUUID, a.Name)
}

// nameTarget returns the symlink target for an album's name link. Backing
// directories all live at the library root, so a nested link climbs one
// level out of its parent's backing directory.
func (l *PhotosLibrary) nameTarget(a *Album) string {
	if a.ParentUUID == "" {
		return "." + a.UUID
	}
	return filepath.Join("..", "."+a.UUID)
}

// ensureSymlink creates path -> target, replacing a wrong link. A correct
// existing link is a no-op so re-applied plans stay idempotent.
func ensureSymlink(path, target string) (bool, error) {
	existing, err := os.Readlink(path)
	if err == nil {
		if existing == target {
			return false, nil
		}
		if err := os.Remove(path); err != nil {
			return false, err
		}
	}
	if err := os.Symlink(target, path); err != nil {
		return false, err
	}
	return true, nil
}

// CreateAlbum materializes an album: backing directory plus name link.
// Parents must exist already; the sync plan orders creations accordingly.
func (l *PhotosLibrary) CreateAlbum(a *Album) error {
	if a.ParentUUID != "" {
		if _, ok := l.Albums[a.ParentUUID]; !ok {
			return apperr.Newf(apperr.KindLibrary, "album %s: parent %s does not exist", a.UUID, a.ParentUUID).
				With("album", a.Name)
		}
	}
	if err := os.MkdirAll(filepath.Join(l.Root, "."+a.UUID), 0o755); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "create album directory", err)
	}
	if _, err := ensureSymlink(l.namePath(a), l.nameTarget(a)); err != nil {
		return apperr.Wrap(apperr.KindLibrary, fmt.Sprintf("link album %s", a.Name), err)
	}
	stored := &Album{
		UUID:       a.UUID,
		Name:       a.Name,
		ParentUUID: a.ParentUUID,
		Type:       a.Type,
		Assets:     make(map[string]string),
	}
	l.Albums[a.UUID] = stored
	return nil
}

// DeleteAlbum removes an album's name link, its link contents and its
// backing directory. Archived albums are never deleted here; the sync plan
// relocates them instead.
func (l *PhotosLibrary) DeleteAlbum(uuid string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return nil
	}
	if a.Type == AlbumTypeArchived {
		return apperr.Newf(apperr.KindLibrary, "refusing to delete archived album %s", a.Name)
	}
	if a.Name != "" {
		if err := os.Remove(l.namePath(a)); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindLibrary, "remove album link", err)
		}
	}
	dir := l.AlbumDir(uuid)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindLibrary, "read album directory", err)
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink != 0 || strings.HasPrefix(entry.Name(), ".") {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return apperr.Wrap(apperr.KindLibrary, "remove album entry", err)
			}
			continue
		}
		return apperr.Newf(apperr.KindLibrary, "album %s contains non-safe file %s", a.Name, entry.Name())
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindLibrary, "remove album directory", err)
	}
	delete(l.Albums, uuid)
	return nil
}

// MoveAlbum re-homes an album under a new parent, optionally renaming it.
// Archived albums follow the stash policy: a missing parent stashes the
// album until the parent reappears, an extant parent pulls it back out.
func (l *PhotosLibrary) MoveAlbum(uuid, newParent, newName string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return apperr.Newf(apperr.KindLibrary, "unknown album %s", uuid)
	}
	if newName == "" {
		newName = a.Name
	}

	parentExists := newParent == "" || l.Albums[newParent] != nil
	if a.Type == AlbumTypeArchived && !parentExists {
		return l.stashAlbum(a)
	}
	if !parentExists {
		return apperr.Newf(apperr.KindLibrary, "album %s: parent %s does not exist", uuid, newParent)
	}

	if l.Stashed[uuid] {
		if err := l.unstashAlbum(a); err != nil {
			return err
		}
	}

	// Remove the old name link before creating the new one.
	if a.Name != "" {
		if err := os.Remove(l.namePath(a)); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindLibrary, "remove old album link", err)
		}
	}
	a.ParentUUID = newParent
	a.Name = newName
	if _, err := ensureSymlink(l.namePath(a), l.nameTarget(a)); err != nil {
		return apperr.Wrap(apperr.KindLibrary, fmt.Sprintf("relink album %s", a.Name), err)
	}
	return nil
}

// StashAlbum parks an archived album whose parent is going away. The sync
// plan calls this before deleting the parent.
func (l *PhotosLibrary) StashAlbum(uuid string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return apperr.Newf(apperr.KindLibrary, "unknown album %s", uuid)
	}
	if a.Type != AlbumTypeArchived {
		return apperr.Newf(apperr.KindLibrary, "refusing to stash non-archived album %s", a.Name)
	}
	return l.stashAlbum(a)
}

// stashAlbum parks an archived album's backing directory under
// _Archive/.stash until its parent reappears.
func (l *PhotosLibrary) stashAlbum(a *Album) error {
	if l.Stashed[a.UUID] {
		return nil
	}
	if a.Name != "" {
		if err := os.Remove(l.namePath(a)); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindLibrary, "remove album link", err)
		}
	}
	src := filepath.Join(l.Root, "."+a.UUID)
	dst := filepath.Join(l.stashDir(), a.UUID)
	if err := os.Rename(src, dst); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "stash album directory", err)
	}
	l.Stashed[a.UUID] = true
	a.ParentUUID = ""
	return nil
}

func (l *PhotosLibrary) unstashAlbum(a *Album) error {
	src := filepath.Join(l.stashDir(), a.UUID)
	dst := filepath.Join(l.Root, "."+a.UUID)
	if err := os.Rename(src, dst); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "recover album from stash", err)
	}
	delete(l.Stashed, a.UUID)
	return nil
}

// RelocateToLostAndFound moves an album whose remote counterpart vanished
// into _Archive/Lost+Found, keeping its content intact.
func (l *PhotosLibrary) RelocateToLostAndFound(uuid string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return apperr.Newf(apperr.KindLibrary, "unknown album %s", uuid)
	}
	if a.Name != "" && !l.Stashed[uuid] {
		if err := os.Remove(l.namePath(a)); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindLibrary, "remove album link", err)
		}
	}

	name := a.Name
	if name == "" {
		name = a.UUID
	}
	dst := filepath.Join(l.lostFoundDir(), name)
	for i := 1; ; i++ {
		if _, err := os.Lstat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(l.lostFoundDir(), fmt.Sprintf("%s-%d", name, i))
	}
	if err := os.Rename(l.AlbumDir(uuid), dst); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "move album to lost+found", err)
	}
	delete(l.Stashed, uuid)
	delete(l.Albums, uuid)
	return nil
}

// LinkAsset adds one asset link to an album. Idempotent.
func (l *PhotosLibrary) LinkAsset(uuid, linkName, filename string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return apperr.Newf(apperr.KindLibrary, "unknown album %s", uuid)
	}
	if _, ok := l.Assets[filename]; !ok {
		return apperr.Newf(apperr.KindLibrary, "album %s: asset %s not in library", uuid, filename)
	}
	target := filepath.Join("..", config.AssetDirName, filename)
	if _, err := ensureSymlink(filepath.Join(l.AlbumDir(uuid), linkName), target); err != nil {
		return apperr.Wrap(apperr.KindLibrary, fmt.Sprintf("link asset %s", linkName), err)
	}
	a.Assets[linkName] = filename
	return nil
}

// UnlinkAsset removes one asset link from an album. Idempotent.
func (l *PhotosLibrary) UnlinkAsset(uuid, linkName string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return nil
	}
	path := filepath.Join(l.AlbumDir(uuid), linkName)
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			// A regular file here belongs to the user (archived copy).
			return apperr.Newf(apperr.KindLibrary, "refusing to remove non-link %s from album %s", linkName, a.Name)
		}
		if err := os.Remove(path); err != nil {
			return apperr.Wrap(apperr.KindLibrary, "remove asset link", err)
		}
	}
	delete(a.Assets, linkName)
	return nil
}

// MarkArchived writes the archive sentinel recording the album's frozen
// asset set and flips the projection to ARCHIVED.
func (l *PhotosLibrary) MarkArchived(uuid string, filenames []string) error {
	a, ok := l.Albums[uuid]
	if !ok {
		return apperr.Newf(apperr.KindLibrary, "unknown album %s", uuid)
	}
	sorted := append([]string(nil), filenames...)
	sort.Strings(sorted)
	content := strings.Join(sorted, "\n") + "\n"
	path := filepath.Join(l.AlbumDir(uuid), config.ArchiveSentinelName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "write archive sentinel", err)
	}
	a.Type = AlbumTypeArchived
	a.Assets = make(map[string]string, len(sorted))
	for _, f := range sorted {
		a.Assets[f] = f
	}
	return nil
}
