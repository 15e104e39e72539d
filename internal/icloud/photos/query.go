package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// queryRequest is the pagination envelope for records/query.
type queryRequest struct {
	Query              recordQuery `json:"query"`
	ResultsLimit       int         `json:"resultsLimit"`
	ZoneID             zoneID      `json:"zoneID"`
	DesiredKeys        []string    `json:"desiredKeys,omitempty"`
	ContinuationMarker string      `json:"continuationMarker,omitempty"`
}

type recordQuery struct {
	RecordType string   `json:"recordType"`
	FilterBy   []filter `json:"filterBy,omitempty"`
}

type filter struct {
	FieldName  string     `json:"fieldName"`
	Comparator string     `json:"comparator"`
	FieldValue fieldValue `json:"fieldValue"`
}

type fieldValue struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

type zoneID struct {
	ZoneName string `json:"zoneName"`
}

type queryResponse struct {
	Records            []Record `json:"records"`
	ContinuationMarker string   `json:"continuationMarker"`
}

// equalsFilter is the one comparator the private API indexes.
func equalsFilter(name, value string) filter {
	return filter{FieldName: name, Comparator: "EQUALS", FieldValue: fieldValue{Value: value, Type: "STRING"}}
}

// query runs one logical query, following the continuation marker until the
// server returns no more records. The returned count is bounded by the
// server-side record ceiling; callers enumerating potentially larger sets
// must shard (see fetchAssetRecordsSharded).
func (c *Client) query(ctx context.Context, recordType string, filterBy []filter, desiredKeys []string) ([]Record, error) {
	req := queryRequest{
		Query:        recordQuery{RecordType: recordType, FilterBy: filterBy},
		ResultsLimit: c.pageSize,
		ZoneID:       zoneID{ZoneName: zoneName},
		DesiredKeys:  desiredKeys,
	}
	return c.queryAll(ctx, req)
}

func (c *Client) queryAll(ctx context.Context, req queryRequest) ([]Record, error) {
	var records []Record
	for {
		page, err := c.queryPage(ctx, req)
		if err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
		if len(records) > c.ceiling {
			return nil, apperr.Newf(apperr.KindICloud,
				"query %s exceeded the %d record ceiling", req.Query.RecordType, c.ceiling).
				With("record_type", req.Query.RecordType)
		}
		if page.ContinuationMarker == "" || len(page.Records) == 0 {
			return records, nil
		}
		req.ContinuationMarker = page.ContinuationMarker
	}
}

func (c *Client) queryPage(ctx context.Context, req queryRequest) (*queryResponse, error) {
	resp, err := c.post(ctx, c.queryURL(), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindICloud, "query %s returned HTTP %d", req.Query.RecordType, resp.StatusCode).
			With("status", resp.StatusCode).
			With("record_type", req.Query.RecordType)
	}
	var page queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, "decode query response", err)
	}
	return &page, nil
}

// post sends a JSON request; a 401 triggers one re-authentication and one
// retry so an expired web session heals transparently.
func (c *Client) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindICloud, "encode query", err)
	}

	send := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindICloud, "build query request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindInterrupt, "query cancelled", err)
			}
			return nil, apperr.Wrap(apperr.KindICloud, fmt.Sprintf("POST %s", url), err)
		}
		return resp, nil
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.reauth != nil {
		resp.Body.Close()
		if err := c.reauth(ctx); err != nil {
			return nil, apperr.Wrap(apperr.KindICloud, "re-authentication after 401", err)
		}
		return send()
	}
	return resp, nil
}
