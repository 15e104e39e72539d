// Package library implements the on-disk photos library: a content-addressed
// asset directory plus a symlink album tree. All local state lives in the
// filesystem; there is no side database. Album backing directories are
// dot-hidden `.<uuid>/` directories at the library root, user-visible names
// and nesting are symlinks.
package library

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/config"
)

// PhotosLibrary is the in-memory projection of the local library state,
// rebuilt from the filesystem at the start of every sync.
type PhotosLibrary struct {
	Root string

	// mu guards Assets: download workers record written assets in
	// parallel. The filesystem writes themselves are lock-free because
	// every worker writes a unique filename.
	mu     sync.Mutex
	Assets map[string]LocalAsset // keyed by filename in the asset dir
	Albums map[string]*Album     // keyed by UUID
	// Stashed marks albums whose backing dir currently lives under
	// _Archive/.stash instead of the library root.
	Stashed map[string]bool
	// Warnings collected while loading (stray files, dangling links).
	Warnings []error
}

// Load builds the projection by walking the data directory.
func Load(root string) (*PhotosLibrary, error) {
	lib := &PhotosLibrary{
		Root:    root,
		Assets:  make(map[string]LocalAsset),
		Albums:  make(map[string]*Album),
		Stashed: make(map[string]bool),
	}

	for _, dir := range []string{lib.assetDir(), lib.stashDir(), lib.lostFoundDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.KindLibrary, "create library directory", err)
		}
	}

	if err := lib.loadAssets(); err != nil {
		return nil, err
	}
	if err := lib.loadAlbums(); err != nil {
		return nil, err
	}
	return lib, nil
}

func (l *PhotosLibrary) assetDir() string     { return filepath.Join(l.Root, config.AssetDirName) }
func (l *PhotosLibrary) archiveDir() string   { return filepath.Join(l.Root, config.ArchiveDirName) }
func (l *PhotosLibrary) stashDir() string     { return filepath.Join(l.archiveDir(), config.StashDirName) }
func (l *PhotosLibrary) lostFoundDir() string { return filepath.Join(l.archiveDir(), config.LostAndFoundName) }

// AlbumDir returns the backing directory of an album, accounting for
// stashed albums.
func (l *PhotosLibrary) AlbumDir(uuid string) string {
	if l.Stashed[uuid] {
		return filepath.Join(l.stashDir(), uuid)
	}
	return filepath.Join(l.Root, "."+uuid)
}

// AssetPath returns the absolute path of an asset file.
func (l *PhotosLibrary) AssetPath(filename string) string {
	return filepath.Join(l.assetDir(), filename)
}

func (l *PhotosLibrary) loadAssets() error {
	entries, err := os.ReadDir(l.assetDir())
	if err != nil {
		return apperr.Wrap(apperr.KindLibrary, "read asset directory", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) {
			l.warn(apperr.Newf(apperr.KindLibraryWarning, "stray entry in asset directory: %s", name))
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return apperr.Wrap(apperr.KindLibrary, "stat asset", err)
		}
		l.Assets[name] = LocalAsset{
			Filename: name,
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
	}
	return nil
}

// loadAlbums discovers backing directories, then resolves the symlink
// structure into names, parentage and link sets.
func (l *PhotosLibrary) loadAlbums() error {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return apperr.Wrap(apperr.KindLibrary, "read library root", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() && strings.HasPrefix(name, ".") && !reservedName(name) {
			uuid := name[1:]
			l.Albums[uuid] = &Album{UUID: uuid, Assets: make(map[string]string)}
		}
	}

	// Stashed archived albums.
	stashed, err := os.ReadDir(l.stashDir())
	if err != nil {
		return apperr.Wrap(apperr.KindLibrary, "read stash directory", err)
	}
	for _, entry := range stashed {
		if !entry.IsDir() {
			continue
		}
		uuid := entry.Name()
		l.Albums[uuid] = &Album{UUID: uuid, Name: uuid, Type: AlbumTypeArchived, Assets: make(map[string]string)}
		l.Stashed[uuid] = true
	}

	// Root-level name links.
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		l.resolveNameLink(l.Root, entry.Name(), "")
	}

	// Album contents. Stashed albums are read from their stash location so
	// their frozen asset sets keep protecting the store.
	for uuid := range l.Albums {
		if err := l.loadAlbumContent(uuid); err != nil {
			return err
		}
	}
	return nil
}

// resolveNameLink inspects a symlink that may name an album: one pointing at
// a `.<uuid>` backing directory. parentUUID is "" at the library root.
func (l *PhotosLibrary) resolveNameLink(dir, name, parentUUID string) {
	target, err := os.Readlink(filepath.Join(dir, name))
	if err != nil {
		l.warn(apperr.Newf(apperr.KindLibraryWarning, "unreadable symlink %s", name))
		return
	}
	base := filepath.Base(strings.TrimSuffix(target, "/"))
	if !strings.HasPrefix(base, ".") {
		return
	}
	uuid := base[1:]
	album, ok := l.Albums[uuid]
	if !ok {
		l.warn(apperr.Newf(apperr.KindLibraryWarning, "dangling album link %s -> %s", name, target))
		return
	}
	album.Name = name
	album.ParentUUID = parentUUID
}

// loadAlbumContent classifies the entries of one backing directory.
func (l *PhotosLibrary) loadAlbumContent(uuid string) error {
	album := l.Albums[uuid]
	dir := l.AlbumDir(uuid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return apperr.Wrap(apperr.KindLibrary, fmt.Sprintf("read album directory %s", dir), err)
	}

	hasChildren := false
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(dir, name))
			if err != nil {
				l.warn(apperr.Newf(apperr.KindLibraryWarning, "unreadable symlink %s in album %s", name, uuid))
				continue
			}
			if strings.Contains(target, config.AssetDirName) {
				file := filepath.Base(target)
				if _, ok := l.Assets[file]; !ok {
					l.warn(apperr.Newf(apperr.KindLibraryWarning, "album %s links missing asset %s", uuid, file))
					continue
				}
				album.Assets[name] = file
			} else {
				hasChildren = true
				l.resolveNameLink(dir, name, uuid)
			}
		case name == config.ArchiveSentinelName:
			album.Type = AlbumTypeArchived
			// The sentinel records the asset filenames frozen into the
			// album so they stay protected from removal.
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				l.warn(apperr.Newf(apperr.KindLibraryWarning, "unreadable archive sentinel in %s", uuid))
				continue
			}
			for _, line := range strings.Split(string(data), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					album.Assets[line] = line
				}
			}
		case strings.HasPrefix(name, "."):
			// Dot files are safe: user metadata, .DS_Store and friends.
		default:
			// Any non-symlink, non-dot entry means the user took ownership.
			if album.Type != AlbumTypeArchived {
				album.Type = AlbumTypeArchived
				l.warn(apperr.Newf(apperr.KindLibraryWarning,
					"album %s contains non-safe file %s, treating as archived", uuid, name))
			}
		}
	}

	if album.Type != AlbumTypeArchived {
		if hasChildren {
			album.Type = AlbumTypeFolder
			// A folder carries no asset links of its own.
			album.Assets = make(map[string]string)
		} else {
			album.Type = AlbumTypeAlbum
		}
	}
	return nil
}

func (l *PhotosLibrary) warn(err error) {
	l.Warnings = append(l.Warnings, err)
	slog.Warn(err.Error())
}

// reservedName reports whether a dot-entry at the root is library
// bookkeeping rather than an album backing directory.
func reservedName(name string) bool {
	switch name {
	case config.LockFileName, config.TrustTokenFileName, config.LogFileName:
		return true
	}
	return false
}

// Stats summarizes the projection for post-sync logging.
type Stats struct {
	Assets   int
	Albums   int
	Folders  int
	Archived int
}

func (l *PhotosLibrary) Stats() Stats {
	s := Stats{Assets: len(l.Assets)}
	for _, a := range l.Albums {
		switch a.Type {
		case AlbumTypeFolder:
			s.Folders++
		case AlbumTypeArchived:
			s.Archived++
		default:
			s.Albums++
		}
	}
	return s
}

// ArchivedLinkedFilenames returns the asset filenames still referenced by
// archived albums. The sync engine keeps these out of the removal set.
func (l *PhotosLibrary) ArchivedLinkedFilenames() map[string]bool {
	linked := make(map[string]bool)
	for _, a := range l.Albums {
		if a.Type != AlbumTypeArchived {
			continue
		}
		for _, file := range a.Assets {
			linked[file] = true
		}
	}
	return linked
}
