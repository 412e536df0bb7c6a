// Package platform is the HTTP client for the platform's internal API.
// It backs every collaborator interface the job families delegate to,
// so the worker talks to exactly one service boundary.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/fenceline/internal/family"
	"github.com/thebtf/fenceline/pkg/models"
)

const (
	defaultHTTPTimeout = 60 * time.Second

	// Indexing passes stream for a long time; the generic client
	// timeout would kill them mid-run.
	indexHTTPTimeout = 4 * time.Hour
)

// Client calls the platform's internal REST API. It satisfies the
// family collaborator interfaces and the coordinator's entity source.
type Client struct {
	client      *http.Client
	indexClient *http.Client
	baseURL     string
	apiKey      string
	log         zerolog.Logger
}

// NewClient builds a client for the API at baseURL. apiKey may be empty
// when the deployment does not enforce internal auth.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		indexClient: &http.Client{Timeout: indexHTTPTimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		log:         log.With().Str("component", "platform").Logger(),
	}
}

func (c *Client) do(ctx context.Context, cl *http.Client, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform API error (path=%s, status=%d): %s",
			path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, respBody interface{}) error {
	return c.do(ctx, c.client, http.MethodGet, path, nil, respBody)
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	return c.do(ctx, c.client, http.MethodPost, path, reqBody, respBody)
}

func entityPath(entity models.EntityRef) string {
	p := "/entities/" + entity.String()
	if entity.Tenant != "" {
		p = "/tenants/" + entity.Tenant + p
	}
	return p
}

// Entities lists the entities a family could run against for one
// tenant, each with the refresh period configured on its source (zero
// when the source has none).
func (c *Client) Entities(ctx context.Context, family models.JobFamily, tenant string) ([]models.EntityListing, error) {
	path := "/entities?family=" + string(family)
	if tenant != "" {
		path = "/tenants/" + tenant + path
	}
	var resp struct {
		Entities []struct {
			EntityID          int64 `json:"entity_id"`
			SecondaryID       int64 `json:"secondary_id"`
			SyncPeriodSeconds int64 `json:"sync_period_seconds"`
		} `json:"entities"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]models.EntityListing, len(resp.Entities))
	for i, e := range resp.Entities {
		out[i] = models.EntityListing{
			Ref:        models.EntityRef{Tenant: tenant, EntityID: e.EntityID, SecondaryID: e.SecondaryID},
			SyncPeriod: time.Duration(e.SyncPeriodSeconds) * time.Second,
		}
	}
	return out, nil
}

type indexProgressEvent struct {
	Chunks int64  `json:"chunks"`
	Done   bool   `json:"done"`
	Error  string `json:"error,omitempty"`
}

// Index runs one full indexing pass. The server streams newline-delimited
// progress events; each event's chunk count is forwarded through
// opts.Progress so the caller can keep its liveness and lock fresh.
func (c *Client) Index(ctx context.Context, entity models.EntityRef, opts family.IndexOptions) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+entityPath(entity)+"/index", nil)
	if err != nil {
		return 0, fmt.Errorf("create index request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.indexClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send index request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("platform API error (path=%s/index, status=%d): %s",
			entityPath(entity), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var total int64
	dec := json.NewDecoder(resp.Body)
	for {
		var ev indexProgressEvent
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				break
			}
			return int(total), fmt.Errorf("decode index progress: %w", err)
		}
		if ev.Error != "" {
			return int(total), fmt.Errorf("indexing pass failed: %s", ev.Error)
		}
		if ev.Chunks > 0 {
			total += ev.Chunks
			if opts.Progress != nil {
				if err := opts.Progress(ctx, ev.Chunks); err != nil {
					return int(total), err
				}
			}
		}
		if opts.ShouldStop != nil && opts.ShouldStop(ctx) {
			c.log.Info().Str("entity", entity.String()).Msg("Indexing pass stopping on request")
			return int(total), nil
		}
		if ev.Done {
			break
		}
	}
	return int(total), nil
}

// AllDocIDs lists every document id currently present at the source.
func (c *Client) AllDocIDs(ctx context.Context, entity models.EntityRef) ([]string, error) {
	var resp struct {
		DocIDs []string `json:"doc_ids"`
	}
	if err := c.get(ctx, entityPath(entity)+"/source/docs", &resp); err != nil {
		return nil, err
	}
	return resp.DocIDs, nil
}

const docsWithAccessPageSize = 500

// DocsWithAccess streams the entity's documents with their resolved
// external access, one page per API call.
func (c *Client) DocsWithAccess(ctx context.Context, entity models.EntityRef) (models.WorkIterator, error) {
	var (
		page   []models.WorkItem
		cursor string
		done   bool
	)
	fetch := func(ctx context.Context) error {
		path := fmt.Sprintf("%s/source/docs_with_access?limit=%d", entityPath(entity), docsWithAccessPageSize)
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		var resp struct {
			Docs []struct {
				DocID  string            `json:"doc_id"`
				Access map[string]string `json:"access"`
			} `json:"docs"`
			NextCursor string `json:"next_cursor"`
		}
		if err := c.get(ctx, path, &resp); err != nil {
			return err
		}
		page = page[:0]
		for _, d := range resp.Docs {
			page = append(page, models.WorkItem{DocID: d.DocID, Args: d.Access})
		}
		cursor = resp.NextCursor
		done = cursor == "" || len(resp.Docs) == 0
		return nil
	}

	var (
		i       int
		started bool
	)
	return models.FuncIter(func(ctx context.Context) (models.WorkItem, bool, error) {
		for i >= len(page) {
			if started && done {
				return models.WorkItem{}, false, nil
			}
			if err := fetch(ctx); err != nil {
				return models.WorkItem{}, false, err
			}
			started = true
			i = 0
		}
		item := page[i]
		i++
		return item, true, nil
	}), nil
}

// Roster returns the source's full group membership mapping.
func (c *Client) Roster(ctx context.Context, entity models.EntityRef) ([]models.ExternalGroup, error) {
	var resp struct {
		Groups []models.ExternalGroup `json:"groups"`
	}
	if err := c.get(ctx, entityPath(entity)+"/source/groups", &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// LocalDocIDs lists every document id held in the search index for the
// entity.
func (c *Client) LocalDocIDs(ctx context.Context, entity models.EntityRef) ([]string, error) {
	var resp struct {
		DocIDs []string `json:"doc_ids"`
	}
	if err := c.get(ctx, entityPath(entity)+"/index/docs", &resp); err != nil {
		return nil, err
	}
	return resp.DocIDs, nil
}

// DeleteDoc removes one document from the index. The API treats an
// absent document as success.
func (c *Client) DeleteDoc(ctx context.Context, entity models.EntityRef, docID string) error {
	body := map[string]string{"doc_id": docID}
	return c.post(ctx, entityPath(entity)+"/index/delete_doc", body, nil)
}

// StaleDocIDs lists documents whose index metadata is out of date.
func (c *Client) StaleDocIDs(ctx context.Context, entity models.EntityRef) ([]string, error) {
	var resp struct {
		DocIDs []string `json:"doc_ids"`
	}
	if err := c.get(ctx, entityPath(entity)+"/index/stale_docs", &resp); err != nil {
		return nil, err
	}
	return resp.DocIDs, nil
}

// PushDocMetadata rewrites one document's index metadata from the
// current relational state.
func (c *Client) PushDocMetadata(ctx context.Context, entity models.EntityRef, docID string) error {
	body := map[string]string{"doc_id": docID}
	return c.post(ctx, entityPath(entity)+"/index/push_metadata", body, nil)
}

// UpsertDocAccess writes one document's external access set.
func (c *Client) UpsertDocAccess(ctx context.Context, entity models.EntityRef, docID string, access map[string]string) error {
	body := struct {
		DocID  string            `json:"doc_id"`
		Access map[string]string `json:"access"`
	}{DocID: docID, Access: access}
	return c.post(ctx, entityPath(entity)+"/acl/doc_access", body, nil)
}

// ReplaceGroups swaps the entity's entire group mapping.
func (c *Client) ReplaceGroups(ctx context.Context, entity models.EntityRef, roster []models.ExternalGroup) error {
	body := struct {
		Groups []models.ExternalGroup `json:"groups"`
	}{Groups: roster}
	return c.post(ctx, entityPath(entity)+"/acl/groups", body, nil)
}

// MarkEntitySynced records a completed family run against the entity.
func (c *Client) MarkEntitySynced(ctx context.Context, family models.JobFamily, entity models.EntityRef, count int64) error {
	body := struct {
		Family models.JobFamily `json:"family"`
		Count  int64            `json:"count"`
	}{Family: family, Count: count}
	return c.post(ctx, entityPath(entity)+"/synced", body, nil)
}
