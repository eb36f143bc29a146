package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/store"
)

// APIError is a non-2xx reply. Message is already fit for display, and the
// error unwraps to an *apperr.Error of the reported kind. When the reply
// carried a partial result it has already been decoded into the caller's
// value, so a persistence failure returns both the item and this error.
type APIError struct {
	Status  int
	Kind    apperr.Kind
	Message string
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	return &apperr.Error{Kind: e.Kind, Message: e.Message}
}

// Client talks to a node's control API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 60 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node at %s unreachable: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		if len(er.Result) > 0 && out != nil {
			_ = json.Unmarshal(er.Result, out)
		}
		return &APIError{Status: resp.StatusCode, Kind: er.Kind, Message: er.Message}
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*o, err = io.ReadAll(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) Items(ctx context.Context, withDeleted bool) ([]store.Item, error) {
	path := "/api/items"
	if withDeleted {
		path += "?all=true"
	}
	var items []store.Item
	err := c.do(ctx, http.MethodGet, path, nil, &items)
	return items, err
}

func (c *Client) Item(ctx context.Context, id string) (store.Item, error) {
	var it store.Item
	err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(id), nil, &it)
	return it, err
}

func (c *Client) AddItem(ctx context.Context, text string) (store.Item, error) {
	var it store.Item
	err := c.do(ctx, http.MethodPost, "/api/items", textRequest{Text: text}, &it)
	return it, err
}

func (c *Client) UpdateItem(ctx context.Context, id, text string) (store.Item, error) {
	var it store.Item
	err := c.do(ctx, http.MethodPut, "/api/items/"+url.PathEscape(id), textRequest{Text: text}, &it)
	return it, err
}

func (c *Client) DeleteItem(ctx context.Context, id string) (store.Item, error) {
	var it store.Item
	err := c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(id), nil, &it)
	return it, err
}

func (c *Client) Export(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := c.do(ctx, http.MethodGet, "/api/export", nil, &doc)
	return doc, err
}

func (c *Client) Import(ctx context.Context, doc []byte) (int, error) {
	var resp importResponse
	err := c.do(ctx, http.MethodPost, "/api/import", doc, &resp)
	return resp.Applied, err
}

func (c *Client) Peers(ctx context.Context) ([]store.Peer, error) {
	var peers []store.Peer
	err := c.do(ctx, http.MethodGet, "/api/peers", nil, &peers)
	return peers, err
}

func (c *Client) PeerHistory(ctx context.Context) ([]store.Peer, error) {
	var peers []store.Peer
	err := c.do(ctx, http.MethodGet, "/api/peers/history", nil, &peers)
	return peers, err
}

func (c *Client) Sessions(ctx context.Context) ([]negotiator.Info, error) {
	var sessions []negotiator.Info
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions)
	return sessions, err
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Host(ctx context.Context, manual bool) (negotiator.Offer, error) {
	var offer negotiator.Offer
	err := c.do(ctx, http.MethodPost, "/api/offers", offerRequest{Manual: manual}, &offer)
	return offer, err
}

func (c *Client) Join(ctx context.Context, input string) (negotiator.Answer, error) {
	var ans negotiator.Answer
	err := c.do(ctx, http.MethodPost, "/api/join", joinRequest{Input: input}, &ans)
	return ans, err
}

func (c *Client) ApplyAnswer(ctx context.Context, blob, code string) (string, error) {
	var resp answerResponse
	err := c.do(ctx, http.MethodPost, "/api/answers", answerRequest{Blob: blob, Code: code}, &resp)
	return resp.SessionID, err
}

func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) Diagnostics(ctx context.Context) (engine.Diagnostics, error) {
	var d engine.Diagnostics
	err := c.do(ctx, http.MethodGet, "/api/diagnostics", nil, &d)
	return d, err
}
