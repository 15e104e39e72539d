package photos

import (
	"context"
	"log/slog"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

const recordTypeAlbum = "CPLAlbum"

// Album type discriminants used by the private API.
const (
	albumKindAlbum  = 0
	albumKindFolder = 3
)

var albumDesiredKeys = []string{"albumNameEnc", "albumType", "parentId", "isDeleted"}

// RemoteAlbum is one node of the remote album hierarchy.
type RemoteAlbum struct {
	UUID       string
	Name       string
	ParentUUID string // empty for top-level albums
	Folder     bool

	// AssetRecordNames are the CPLAsset record names contained in an album;
	// empty for folders.
	AssetRecordNames []string
}

// FetchAllAlbums walks the remote hierarchy depth-first from the root
// folder. Visited UUIDs are cached to break accidental cycles; the remote
// should be a tree, but this layer does not trust it to be.
func (c *Client) FetchAllAlbums(ctx context.Context) ([]RemoteAlbum, error) {
	visited := make(map[string]bool)
	var albums []RemoteAlbum
	if err := c.fetchAlbumLevel(ctx, rootFolderID, "", visited, &albums); err != nil {
		return nil, err
	}
	return albums, nil
}

func (c *Client) fetchAlbumLevel(ctx context.Context, parentID, parentUUID string, visited map[string]bool, out *[]RemoteAlbum) error {
	records, err := c.query(ctx, recordTypeAlbum,
		[]filter{equalsFilter("parentId", parentID)}, albumDesiredKeys)
	if err != nil {
		return err
	}

	for _, r := range records {
		if visited[r.RecordName] {
			slog.Warn("album hierarchy cycle detected, skipping", "record", r.RecordName)
			continue
		}
		visited[r.RecordName] = true

		if r.Deleted {
			continue
		}
		if isDeleted, ok := r.int64Field("isDeleted"); ok && isDeleted == 1 {
			continue
		}

		name, err := r.encodedStringField("albumNameEnc")
		if err != nil {
			return err
		}
		kind, ok := r.int64Field("albumType")
		if !ok {
			return apperr.Newf(apperr.KindUnexpected, "album %s missing albumType", r.RecordName)
		}

		album := RemoteAlbum{
			UUID:       r.RecordName,
			Name:       name,
			ParentUUID: parentUUID,
			Folder:     kind == albumKindFolder,
		}

		switch kind {
		case albumKindFolder:
			if err := c.fetchAlbumLevel(ctx, album.UUID, album.UUID, visited, out); err != nil {
				return err
			}
		case albumKindAlbum:
			names, err := c.fetchAlbumAssetNames(ctx, album.UUID)
			if err != nil {
				return err
			}
			album.AssetRecordNames = names
		default:
			// Smart albums and unknown kinds are not mirrored.
			continue
		}
		*out = append(*out, album)
	}
	return nil
}

// fetchAlbumAssetNames lists the CPLAsset record names inside one album.
func (c *Client) fetchAlbumAssetNames(ctx context.Context, albumUUID string) ([]string, error) {
	records, err := c.query(ctx, queryAssetsInAlbum,
		[]filter{equalsFilter("parentId", albumUUID)}, []string{"masterRef", "isDeleted"})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range records {
		if r.RecordType != recordTypeAsset || r.Deleted {
			continue
		}
		if isDeleted, ok := r.int64Field("isDeleted"); ok && isDeleted == 1 {
			continue
		}
		names = append(names, r.RecordName)
	}
	return names, nil
}
