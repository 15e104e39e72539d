// Package photos implements the typed, paginated record queries against the
// private CloudKit-style photos endpoint, plus asset download and the record
// delete mutation used by the archive engine.
package photos

import (
	"context"
	"net/http"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

const (
	// apiPath is the private database root below the user's photos domain.
	apiPath = "/database/1/com.apple.photos.cloud/production/private"

	// zoneName is the record zone all photo queries target.
	zoneName = "PrimarySync"

	// rootFolderID is the synthetic parent of top-level albums.
	rootFolderID = "----Root-Folder----"

	// defaultPageSize is the resultsLimit sent per query page.
	defaultPageSize = 200

	// recordCeiling is the observed hard per-query cap the server enforces.
	recordCeiling = 66000

	// shardThreshold is where we stop trusting plain pagination and re-issue
	// the enumeration sharded by album.
	shardThreshold = 60000
)

// Client issues queries against one photos library. Safe for concurrent use:
// queries share the HTTP client and auth session but carry no client state.
type Client struct {
	httpClient *http.Client
	domain     string

	pageSize  int
	ceiling   int
	threshold int

	// reauth is invoked once on a 401 before the request is retried.
	reauth func(context.Context) error
}

// Option tweaks a Client; used by tests to shrink page size and ceiling.
type Option func(*Client)

func WithPageSize(n int) Option       { return func(c *Client) { c.pageSize = n } }
func WithRecordCeiling(n int) Option  { return func(c *Client) { c.ceiling = n } }
func WithShardThreshold(n int) Option { return func(c *Client) { c.threshold = n } }

// NewClient builds a query client on top of an authenticated session. The
// HTTP client must carry the setup cookies; domain is the user-specific
// photos endpoint; reauth re-runs authentication after a 401.
func NewClient(httpClient *http.Client, domain string, reauth func(context.Context) error, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		domain:     domain,
		pageSize:   defaultPageSize,
		ceiling:    recordCeiling,
		threshold:  shardThreshold,
		reauth:     reauth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) queryURL() string {
	return c.domain + apiPath + "/records/query"
}

func (c *Client) modifyURL() string {
	return c.domain + apiPath + "/records/modify"
}

// WarmUp issues one cheap indexing query so the caller can flip the auth
// state machine to READY. The state of the indexing service is the
// canonical readiness probe.
func (c *Client) WarmUp(ctx context.Context) error {
	records, err := c.queryAll(ctx, queryRequest{
		Query:        recordQuery{RecordType: "CheckIndexingState"},
		ResultsLimit: 1,
		ZoneID:       zoneID{ZoneName: zoneName},
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return apperr.New(apperr.KindUnexpected, "indexing state query returned no records")
	}
	state, err := records[0].stringField("state")
	if err != nil {
		return err
	}
	if state != "FINISHED" {
		return apperr.Newf(apperr.KindICloud, "remote library is still indexing (state %s), try again later", state)
	}
	return nil
}
