package library

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// tempPrefix marks in-flight downloads in the asset directory. Anything with
// this prefix is garbage from an interrupted run and is swept on cleanup.
const tempPrefix = ".tmp-"

// WriteAsset streams an asset into the content-addressed store: temp file,
// fsync, rename, mtime. Returns false without consuming the reader when a
// file with the right name and size already exists.
func (l *PhotosLibrary) WriteAsset(asset *Asset, r io.Reader) (bool, error) {
	filename, err := asset.Filename()
	if err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "derive asset filename", err)
	}
	final := l.AssetPath(filename)

	if info, err := os.Stat(final); err == nil && info.Size() == asset.Size {
		return false, nil
	}

	tmp, err := os.CreateTemp(l.assetDir(), tempPrefix+filename+"-*")
	if err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return false, apperr.Wrap(apperr.KindLibrary, "write asset data", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, apperr.Wrap(apperr.KindLibrary, "sync asset data", err)
	}
	if err := tmp.Close(); err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "close temp file", err)
	}

	if written != asset.Size {
		return false, apperr.Newf(apperr.KindLibrary,
			"asset %s: wrote %d bytes, expected %d", filename, written, asset.Size).
			With("asset", filename)
	}

	if err := os.Rename(tmpName, final); err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "rename asset into place", err)
	}
	mtime := asset.ModifiedTime()
	if err := os.Chtimes(final, mtime, mtime); err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "set asset mtime", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "stat written asset", err)
	}
	l.mu.Lock()
	l.Assets[filename] = LocalAsset{Filename: filename, Size: info.Size(), Modified: info.ModTime()}
	l.mu.Unlock()
	return true, nil
}

// HasAsset reports whether a filename is present in the projection. Safe
// for concurrent use with WriteAsset.
func (l *PhotosLibrary) HasAsset(filename string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.Assets[filename]
	return ok
}

// VerifyAsset checks a stored asset against the remote's size. On mismatch
// the file is deleted and false is returned so the caller redownloads.
func (l *PhotosLibrary) VerifyAsset(asset *Asset) (bool, error) {
	filename, err := asset.Filename()
	if err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "derive asset filename", err)
	}
	info, err := os.Stat(l.AssetPath(filename))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindLibrary, "stat asset", err)
	}
	if info.Size() != asset.Size {
		if err := l.DeleteAsset(filename); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// DeleteAsset unlinks a file from the asset directory. The caller must have
// removed every album link to it first.
func (l *PhotosLibrary) DeleteAsset(filename string) error {
	if err := os.Remove(l.AssetPath(filename)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindLibrary, fmt.Sprintf("delete asset %s", filename), err)
	}
	l.mu.Lock()
	delete(l.Assets, filename)
	l.mu.Unlock()
	return nil
}

// SweepTempFiles removes leftover temp files from interrupted downloads.
func (l *PhotosLibrary) SweepTempFiles() error {
	entries, err := os.ReadDir(l.assetDir())
	if err != nil {
		return apperr.Wrap(apperr.KindLibrary, "read asset directory", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tempPrefix) {
			if err := os.Remove(filepath.Join(l.assetDir(), entry.Name())); err != nil {
				return apperr.Wrap(apperr.KindLibrary, "remove temp file", err)
			}
		}
	}
	return nil
}
