package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
)

// Get implements outbound.DocumentStore.
func (c *Client) Get(ctx context.Context, db, id string, params url.Values) (document.Doc, error) {
	var doc document.Doc
	if err := c.do(ctx, request{method: http.MethodGet, path: docPath(db, id), params: params}, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Put implements outbound.DocumentStore.
func (c *Client) Put(ctx context.Context, db string, doc document.Doc) (document.WriteResult, error) {
	id := doc.ID()
	if id == "" {
		return document.WriteResult{}, fmt.Errorf("%w: document has no _id", document.ErrBadRequest)
	}
	var res document.WriteResult
	err := c.do(ctx, request{method: http.MethodPut, path: docPath(db, id), body: doc}, &res)
	return res, err
}

// Post implements outbound.DocumentStore.
func (c *Client) Post(ctx context.Context, db, path string, body any, params url.Values) (json.RawMessage, error) {
	_, data, err := c.send(ctx, request{method: http.MethodPost, path: dbPath(db, path), params: params, body: body})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete implements outbound.DocumentStore.
func (c *Client) Delete(ctx context.Context, db, id, rev string) (document.WriteResult, error) {
	params := url.Values{}
	if rev != "" {
		params.Set("rev", rev)
	}
	var res document.WriteResult
	err := c.do(ctx, request{method: http.MethodDelete, path: docPath(db, id), params: params}, &res)
	return res, err
}

// Changes implements outbound.DocumentStore.
func (c *Client) Changes(ctx context.Context, db string, params url.Values, body any) (*document.ChangesResponse, error) {
	req := request{
		method:  http.MethodGet,
		path:    dbPath(db, "_changes"),
		params:  params,
		timeout: c.longPollTimeout(params),
	}
	if body != nil {
		req.method = http.MethodPost
		req.body = body
	}
	var res document.ChangesResponse
	if err := c.do(ctx, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Forward implements outbound.Passthrough. Backend error statuses are
// returned as a RawResponse, not an error, so the caller can relay them.
func (c *Client) Forward(ctx context.Context, method, db, path string, params url.Values, body []byte) (*outbound.RawResponse, error) {
	p := dbPath(db)
	if path != "" {
		p = dbPath(db, path)
	}
	status, data, err := c.send(ctx, request{method: method, path: p, params: params, rawBody: body})
	if err != nil && status == 0 {
		return nil, err
	}
	return &outbound.RawResponse{Status: status, Body: data}, nil
}

// ClearLocal implements outbound.CacheInvalidator. Every _local document of
// db is deleted; replicators then find no checkpoint and re-diff from the
// start.
func (c *Client) ClearLocal(ctx context.Context, db string) error {
	var list struct {
		Rows []struct {
			ID    string `json:"id"`
			Value struct {
				Rev string `json:"rev"`
			} `json:"value"`
		} `json:"rows"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: dbPath(db, "_local_docs")}, &list); err != nil {
		return fmt.Errorf("list checkpoints of %s: %w", db, err)
	}

	var failed int
	for _, row := range list.Rows {
		if _, err := c.Delete(ctx, db, row.ID, row.Value.Rev); err != nil && outbound.StatusOf(err) != http.StatusNotFound {
			failed++
			c.logger.Warn("failed to delete checkpoint", "db", db, "id", row.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to delete %d of %d checkpoints in %s", failed, len(list.Rows), db)
	}
	c.logger.Info("cleared replication checkpoints", "db", db, "count", len(list.Rows))
	return nil
}
