package photos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// ErrExpiredURL signals that an asset's signed download URL is no longer
// valid and the record must be re-fetched.
var ErrExpiredURL = errors.New("download URL expired")

// Download opens a streaming reader for an asset's content. The caller owns
// closing the reader. A 403 or 410 maps to ErrExpiredURL: signed URLs are
// short-lived and the record carries a fresh one.
func (c *Client) Download(ctx context.Context, asset RemoteAsset) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindICloud, "build download request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindInterrupt, "download cancelled", err)
		}
		return nil, apperr.Wrap(apperr.KindICloudWarning, "download request", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusForbidden, http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: %w", asset.RecordName, ErrExpiredURL)
	}
	resp.Body.Close()
	return nil, apperr.Newf(apperr.KindICloudWarning, "download returned HTTP %d", resp.StatusCode).
		With("record", asset.RecordName).
		With("status", resp.StatusCode)
}

// modifyRequest is the envelope for records/modify.
type modifyRequest struct {
	Operations []operation `json:"operations"`
	ZoneID     zoneID      `json:"zoneID"`
	Atomic     bool        `json:"atomic"`
}

type operation struct {
	OperationType string         `json:"operationType"`
	Record        modifiedRecord `json:"record"`
}

type modifiedRecord struct {
	RecordName string           `json:"recordName"`
	RecordType string           `json:"recordType"`
	Fields     map[string]field `json:"fields"`
}

// DeleteAssets marks asset records deleted remotely. Used by the archive
// engine's remote-delete opt-in; the photos service treats the isDeleted
// flag as the deletion mechanism.
func (c *Client) DeleteAssets(ctx context.Context, recordNames []string) error {
	if len(recordNames) == 0 {
		return nil
	}
	ops := make([]operation, 0, len(recordNames))
	one, _ := json.Marshal(1)
	for _, name := range recordNames {
		ops = append(ops, operation{
			OperationType: "update",
			Record: modifiedRecord{
				RecordName: name,
				RecordType: recordTypeAsset,
				Fields:     map[string]field{"isDeleted": {Value: one, Type: "INT64"}},
			},
		})
	}

	resp, err := c.post(ctx, c.modifyURL(), modifyRequest{
		Operations: ops,
		ZoneID:     zoneID{ZoneName: zoneName},
		Atomic:     true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindICloud, "record delete returned HTTP %d", resp.StatusCode).
			With("status", resp.StatusCode)
	}
	return nil
}
