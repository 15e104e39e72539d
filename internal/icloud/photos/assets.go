package photos

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

// Asset record types and the smart-album query names of the private API.
const (
	recordTypeAsset  = "CPLAsset"
	recordTypeMaster = "CPLMaster"

	queryAssetsBySmartAlbum = "CPLAssetAndMasterInSmartAlbumByAssetDate"
	queryAssetsInAlbum      = "CPLAssetAndMasterInAlbumByAssetDate"
	queryAssetsDeleted      = "CPLAssetDeletedByExpungedDate"
)

// assetDesiredKeys limits asset queries to the fields we read.
var assetDesiredKeys = []string{
	"filenameEnc", "favorite", "isDeleted", "masterRef",
	"resOriginalRes", "resOriginalFileType",
	"resOriginalVidComplRes", "resOriginalVidComplFileType",
	"resJPEGFullRes", "resJPEGFullResFileType",
	"resVidFullRes", "resVidFullResFileType",
}

// RemoteAsset is one downloadable file plus the naming metadata the library
// layer needs. An asset record fans out into up to three RemoteAssets:
// original, edited, live.
type RemoteAsset struct {
	library.Asset

	// Base is the remote base filename without extension, used for album
	// link names.
	Base string

	// MasterRecordName allows refreshing expired URLs for master-borne
	// renditions.
	MasterRecordName string
}

// FetchAllAssets enumerates every asset in the library: the dated
// smart-album query joined against the expunged-assets query. When the
// enumeration approaches the server's record ceiling it is re-issued
// sharded per album, which is the only indexed predicate available.
func (c *Client) FetchAllAssets(ctx context.Context, albums []RemoteAlbum) ([]RemoteAsset, error) {
	type result struct {
		records []Record
		err     error
	}
	mainCh := make(chan result, 1)
	deletedCh := make(chan result, 1)

	go func() {
		records, err := c.query(ctx, queryAssetsBySmartAlbum,
			[]filter{equalsFilter("parentId", rootFolderID)}, assetDesiredKeys)
		mainCh <- result{records, err}
	}()
	go func() {
		records, err := c.query(ctx, queryAssetsDeleted, nil, []string{"isDeleted"})
		deletedCh <- result{records, err}
	}()

	main := <-mainCh
	deleted := <-deletedCh

	if main.err != nil {
		if apperr.KindOf(main.err) != apperr.KindICloud || len(albums) == 0 {
			return nil, main.err
		}
		// Ceiling hit: fall back to the sharded enumeration.
		slog.Warn("asset enumeration hit the record ceiling, sharding by album")
		main.records, main.err = c.fetchAssetRecordsSharded(ctx, albums)
		if main.err != nil {
			return nil, main.err
		}
	} else if len(main.records) >= c.threshold {
		slog.Warn("asset enumeration near the record ceiling, sharding by album",
			"records", len(main.records), "threshold", c.threshold)
		sharded, err := c.fetchAssetRecordsSharded(ctx, albums)
		if err != nil {
			return nil, err
		}
		main.records = mergeRecords(main.records, sharded)
	}
	if deleted.err != nil {
		return nil, deleted.err
	}

	expunged := make(map[string]bool, len(deleted.records))
	for _, r := range deleted.records {
		expunged[r.RecordName] = true
	}
	return parseAssets(main.records, expunged)
}

// fetchAssetRecordsSharded re-enumerates assets one album at a time.
func (c *Client) fetchAssetRecordsSharded(ctx context.Context, albums []RemoteAlbum) ([]Record, error) {
	var all []Record
	for _, album := range albums {
		if album.Folder {
			continue
		}
		records, err := c.query(ctx, queryAssetsInAlbum,
			[]filter{equalsFilter("parentId", album.UUID)}, assetDesiredKeys)
		if err != nil {
			return nil, err
		}
		all = mergeRecords(all, records)
	}
	return all, nil
}

func mergeRecords(a, b []Record) []Record {
	seen := make(map[string]bool, len(a))
	for _, r := range a {
		seen[r.RecordName] = true
	}
	for _, r := range b {
		if !seen[r.RecordName] {
			seen[r.RecordName] = true
			a = append(a, r)
		}
	}
	return a
}

// parseAssets joins CPLAsset and CPLMaster records by the master reference
// and fans each pair out into its renditions.
func parseAssets(records []Record, expunged map[string]bool) ([]RemoteAsset, error) {
	masters := make(map[string]*Record)
	var assetRecords []*Record
	for i := range records {
		r := &records[i]
		switch r.RecordType {
		case recordTypeMaster:
			masters[r.RecordName] = r
		case recordTypeAsset:
			assetRecords = append(assetRecords, r)
		}
	}

	var assets []RemoteAsset
	for _, r := range assetRecords {
		if r.Deleted || expunged[r.RecordName] {
			continue
		}
		if isDeleted, ok := r.int64Field("isDeleted"); ok && isDeleted == 1 {
			continue
		}
		masterName, err := r.referenceField("masterRef")
		if err != nil {
			return nil, err
		}
		master, ok := masters[masterName]
		if !ok {
			// The paired master fell outside the query window; skip rather
			// than fabricate a record.
			slog.Warn("asset without master record", "record", r.RecordName)
			continue
		}
		fanned, err := fanOutRenditions(r, master)
		if err != nil {
			return nil, err
		}
		assets = append(assets, fanned...)
	}
	return assets, nil
}

// fanOutRenditions builds the original, live and edited RemoteAssets of one
// asset/master pair.
func fanOutRenditions(asset, master *Record) ([]RemoteAsset, error) {
	filename, err := master.encodedStringField("filenameEnc")
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filename, path.Ext(filename))
	favorite, _ := asset.int64Field("favorite")
	modified := asset.Modified.Timestamp
	if modified == 0 {
		modified = master.Modified.Timestamp
	}

	makeAsset := func(res resource, fileType string, origin library.Origin) RemoteAsset {
		return RemoteAsset{
			Asset: library.Asset{
				RecordName:        asset.RecordName,
				FileChecksum:      res.FileChecksum,
				Size:              res.Size,
				Modified:          modified,
				FileType:          fileType,
				WrappingKey:       res.WrappingKey,
				ReferenceChecksum: res.ReferenceChecksum,
				DownloadURL:       res.DownloadURL,
				Origin:            origin,
				Favorite:          favorite == 1,
			},
			Base:             base,
			MasterRecordName: master.RecordName,
		}
	}

	var out []RemoteAsset

	original, ok, err := master.resourceField("resOriginalRes")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindUnexpected, "master %s has no original resource", master.RecordName)
	}
	originalType, err := master.stringField("resOriginalFileType")
	if err != nil {
		return nil, err
	}
	out = append(out, makeAsset(original, originalType, library.OriginOriginal))

	if live, ok, err := master.resourceField("resOriginalVidComplRes"); err != nil {
		return nil, err
	} else if ok {
		liveType, err := master.stringField("resOriginalVidComplFileType")
		if err != nil {
			return nil, err
		}
		out = append(out, makeAsset(live, liveType, library.OriginLive))
	}

	for _, pair := range [][2]string{
		{"resJPEGFullRes", "resJPEGFullResFileType"},
		{"resVidFullRes", "resVidFullResFileType"},
	} {
		edited, ok, err := asset.resourceField(pair[0])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		editedType, err := asset.stringField(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, makeAsset(edited, editedType, library.OriginEdit))
	}
	return out, nil
}

// RefreshAsset re-fetches the records behind an asset to obtain a fresh
// signed download URL after a 403/410.
func (c *Client) RefreshAsset(ctx context.Context, stale RemoteAsset) (RemoteAsset, error) {
	assetRecords, err := c.query(ctx, recordTypeAsset,
		[]filter{equalsFilter("recordName", stale.RecordName)}, assetDesiredKeys)
	if err != nil {
		return RemoteAsset{}, err
	}
	masterRecords, err := c.query(ctx, recordTypeMaster,
		[]filter{equalsFilter("recordName", stale.MasterRecordName)}, assetDesiredKeys)
	if err != nil {
		return RemoteAsset{}, err
	}

	fresh, err := parseAssets(append(assetRecords, masterRecords...), nil)
	if err != nil {
		return RemoteAsset{}, err
	}
	for _, a := range fresh {
		if a.FileChecksum == stale.FileChecksum && a.Origin == stale.Origin {
			return a, nil
		}
	}
	return RemoteAsset{}, apperr.Newf(apperr.KindICloud, "record %s no longer carries checksum %s",
		stale.RecordName, stale.FileChecksum)
}
