// Package archive freezes album folders: asset links become real copies the
// remote can no longer take away, and the album drops out of all future
// sync diffs. With the remote-delete opt-in, the archived originals are
// deleted from the remote library.
package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/icloud/photos"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

// Result summarizes one archive run.
type Result struct {
	Album         string
	Copied        int
	RemoteDeleted int
	Warnings      []error
}

// DeleteFunc deletes asset records remotely. Wired to the photos client's
// record mutation in production, stubbed in tests.
type DeleteFunc func(ctx context.Context, recordNames []string) error

// Run archives the album folder at path. The path must be an album's
// user-visible symlink inside the library; folders and already-archived
// albums are rejected.
func Run(ctx context.Context, lib *library.PhotosLibrary, path string, remoteAssets []photos.RemoteAsset, remoteDelete bool, deleteRemote DeleteFunc) (*Result, error) {
	uuid, album, err := resolveAlbum(lib, path)
	if err != nil {
		return nil, err
	}

	res := &Result{Album: album.Name}
	albumDir := lib.AlbumDir(uuid)
	entries, err := os.ReadDir(albumDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindArchive, "read album directory", err)
	}

	var frozen []string
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		filename, err := materializeLink(albumDir, entry.Name())
		if err != nil {
			return res, err
		}
		frozen = append(frozen, filename)
		res.Copied++
	}

	if err := lib.MarkArchived(uuid, frozen); err != nil {
		return res, apperr.Wrap(apperr.KindArchive, "mark album archived", err)
	}
	slog.Info("album archived", "album", album.Name, "assets", res.Copied)

	if !remoteDelete {
		return res, nil
	}

	byFilename := make(map[string]photos.RemoteAsset, len(remoteAssets))
	for _, a := range remoteAssets {
		if name, err := a.Filename(); err == nil {
			byFilename[name] = a
		}
	}
	recordNames := make(map[string]bool)
	for _, filename := range frozen {
		a, ok := byFilename[filename]
		if !ok {
			res.Warnings = append(res.Warnings, apperr.Newf(apperr.KindArchiveWarning,
				"asset %s has no remote record, skipping remote delete", filename))
			continue
		}
		if a.Favorite {
			// Favorites stay in the remote library.
			continue
		}
		recordNames[a.RecordName] = true
	}
	names := make([]string, 0, len(recordNames))
	for name := range recordNames {
		names = append(names, name)
	}
	if err := deleteRemote(ctx, names); err != nil {
		return res, apperr.Wrap(apperr.KindArchive, "delete remote assets", err)
	}
	res.RemoteDeleted = len(names)
	slog.Info("remote originals deleted", "album", album.Name, "records", len(names))
	return res, nil
}

// resolveAlbum maps a user-supplied path onto an album of type ALBUM.
func resolveAlbum(lib *library.PhotosLibrary, path string) (string, *library.Album, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindArchive, "resolve path", err)
	}
	root, err := filepath.Abs(lib.Root)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindArchive, "resolve library root", err)
	}
	if !strings.HasPrefix(abs+string(os.PathSeparator), root+string(os.PathSeparator)) {
		return "", nil, apperr.Newf(apperr.KindArchive, "%s is outside the library", path)
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindArchive, "stat archive target", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", nil, apperr.Newf(apperr.KindArchive, "%s is not an album link", path)
	}
	target, err := os.Readlink(abs)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindArchive, "read album link", err)
	}
	base := filepath.Base(strings.TrimSuffix(target, "/"))
	if !strings.HasPrefix(base, ".") {
		return "", nil, apperr.Newf(apperr.KindArchive, "%s does not point at an album directory", path)
	}
	uuid := base[1:]
	album, ok := lib.Albums[uuid]
	if !ok {
		return "", nil, apperr.Newf(apperr.KindArchive, "unknown album %s", uuid)
	}
	switch album.Type {
	case library.AlbumTypeFolder:
		return "", nil, apperr.Newf(apperr.KindArchive, "%s is a folder; only albums can be archived", album.Name)
	case library.AlbumTypeArchived:
		return "", nil, apperr.Newf(apperr.KindArchive, "%s is already archived", album.Name)
	}
	return uuid, album, nil
}

// materializeLink replaces one symlink with a copy of its target,
// preserving the target's mtime. Returns the asset filename.
func materializeLink(dir, name string) (string, error) {
	linkPath := filepath.Join(dir, name)
	targetPath, err := filepath.EvalSymlinks(linkPath)
	if err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "resolve asset link", err)
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "stat asset", err)
	}

	src, err := os.Open(targetPath)
	if err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "open asset", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "create copy", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", apperr.Wrap(apperr.KindArchive, "copy asset", err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "close copy", err)
	}

	if err := os.Remove(linkPath); err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "remove asset link", err)
	}
	if err := os.Rename(tmpName, linkPath); err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "move copy into place", err)
	}
	if err := os.Chtimes(linkPath, info.ModTime(), info.ModTime()); err != nil {
		return "", apperr.Wrap(apperr.KindArchive, "set copy mtime", err)
	}
	return filepath.Base(targetPath), nil
}
