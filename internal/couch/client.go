package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"couchwarm/internal/domain"
)

// Client talks to a single CouchDB database.
type Client struct {
	db     *url.URL
	server *url.URL
	name   string
	http   *http.Client
}

type Options struct {
	// Timeout bounds each request. Zero means no timeout; view queries block
	// until the index is built, which can take a long time.
	Timeout time.Duration
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Error is a non-2xx CouchDB response.
type Error struct {
	StatusCode int
	ErrorName  string `json:"error"`
	Reason     string `json:"reason"`
}

func (e *Error) Error() string {
	if e.ErrorName == "" {
		return fmt.Sprintf("couchdb: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("couchdb: HTTP %d %s: %s", e.StatusCode, e.ErrorName, e.Reason)
}

// NewClient parses a database URL such as http://admin:pw@127.0.0.1:5984/mydb.
func NewClient(rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("database url %q: unsupported scheme %q", u.Redacted(), u.Scheme)
	}
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 || idx == len(path)-1 {
		return nil, fmt.Errorf("database url %q: missing database name", u.Redacted())
	}
	name, err := url.PathUnescape(path[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("database url %q: %w", u.Redacted(), err)
	}

	db := *u
	db.RawQuery, db.Fragment = "", ""
	db.RawPath = path
	db.Path, _ = url.PathUnescape(path)
	server := db
	server.RawPath = path[:idx]
	server.Path, _ = url.PathUnescape(path[:idx])

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{db: &db, server: &server, name: name, http: hc}, nil
}

// DatabaseName is the last path segment of the configured URL.
func (c *Client) DatabaseName() string { return c.name }

// URL returns the database URL with any password redacted.
func (c *Client) URL() string { return c.db.Redacted() }

type allDocsResponse struct {
	Rows []struct {
		ID  string `json:"id"`
		Doc *struct {
			ID    string          `json:"_id"`
			Views json.RawMessage `json:"views"`
		} `json:"doc"`
	} `json:"rows"`
}

// DesignDocuments lists every design document in the database with its view
// names in declaration order.
func (c *Client) DesignDocuments(ctx context.Context) ([]domain.DesignDocument, error) {
	q := url.Values{}
	q.Set("startkey", `"_design/"`)
	q.Set("endkey", `"_design0"`)
	q.Set("include_docs", "true")

	var resp allDocsResponse
	if err := c.get(ctx, c.db, "/_all_docs", q, &resp); err != nil {
		return nil, fmt.Errorf("list design documents: %w", err)
	}

	docs := make([]domain.DesignDocument, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if row.Doc == nil || !strings.HasPrefix(row.ID, domain.DesignDocPrefix) {
			continue
		}
		views, err := objectKeys(row.Doc.Views)
		if err != nil {
			return nil, fmt.Errorf("design document %s: views: %w", row.ID, err)
		}
		docs = append(docs, domain.DesignDocument{
			Name:  strings.TrimPrefix(row.ID, domain.DesignDocPrefix),
			Views: views,
		})
	}
	return docs, nil
}

// ActiveTasks returns the server-wide active task snapshot.
func (c *Client) ActiveTasks(ctx context.Context) ([]domain.ActiveTask, error) {
	var tasks []domain.ActiveTask
	if err := c.get(ctx, c.server, "/_active_tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	return tasks, nil
}

// Query runs a view query and discards the rows.
func (c *Client) Query(ctx context.Context, designDoc, view string, opts domain.ViewQuery) error {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	q.Set("reduce", strconv.FormatBool(opts.Reduce))
	path := "/_design/" + url.PathEscape(designDoc) + "/_view/" + url.PathEscape(view)
	if err := c.get(ctx, c.db, path, q, nil); err != nil {
		return fmt.Errorf("query %s/%s: %w", designDoc, view, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, base *url.URL, path string, query url.Values, out any) error {
	u := *base
	u.User = nil
	u.RawPath = base.EscapedPath() + path
	u.Path, _ = url.PathUnescape(u.RawPath)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if base.User != nil {
		pw, _ := base.User.Password()
		req.SetBasicAuth(base.User.Username(), pw)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		cerr := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, cerr)
		return cerr
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
