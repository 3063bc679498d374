// Package remote is the HTTP client for the PostgREST-style backend that
// replicas pull from and push to.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for the failure classes the replication engine treats
// differently.
var (
	// ErrAuthRequired means no credential is available. No request is sent.
	ErrAuthRequired = errors.New("authentication required")
	// ErrUnauthorized means the server rejected the credential.
	ErrUnauthorized = errors.New("unauthorized")
)

// RemoteError is a non-2xx response.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote HTTP %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote HTTP %d: %s", e.Status, e.Message)
}

// NetworkError is a transport failure: DNS, refused connection, timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether a later attempt may succeed without operator
// action. Missing credentials count: they may be supplied later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) || errors.Is(err, ErrAuthRequired) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests || re.Status == http.StatusRequestTimeout
	}
	return false
}

// TokenSource returns the current bearer credential, or "" when signed out.
type TokenSource func() string

// StaticToken returns a TokenSource for a fixed credential.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Client talks to one backend. BaseURL is the REST root, for example
// https://db.example.com/rest/v1.
type Client struct {
	BaseURL string
	// APIKey is the project key sent as the apikey header. Optional.
	APIKey string
	Token  TokenSource
	HTTP   *http.Client
}

// New creates a client with a 30s request timeout.
func New(baseURL, apiKey string, token TokenSource) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Cursor is the pull position: records strictly after (UpdatedAt,
// PrimaryKey) in ascending order.
type Cursor struct {
	UpdatedAt  string
	PrimaryKey string
}

// PullRequest asks for one page of a table.
type PullRequest struct {
	Table      string
	PrimaryKey string
	After      Cursor
	Limit      int
}

// escape keeps the PostgREST punctuation readable; the server accepts it
// either way.
func escape(s string) string {
	r := strings.NewReplacer("%2C", ",", "%3A", ":", "%28", "(", "%29", ")")
	return r.Replace(url.QueryEscape(s))
}

// PullQuery renders the query string for a pull. When the cursor carries a
// primary key the filter also admits records sharing the cursor timestamp
// with a greater key, so pages split inside a run of equal timestamps lose
// nothing.
func PullQuery(req PullRequest) string {
	var b strings.Builder
	b.WriteString("select=*")
	b.WriteString("&order=" + escape("updated_at.asc,"+req.PrimaryKey+".asc"))
	b.WriteString("&limit=" + strconv.Itoa(req.Limit))
	if req.After.PrimaryKey == "" {
		b.WriteString("&updated_at=" + escape("gt."+req.After.UpdatedAt))
		return b.String()
	}
	filter := fmt.Sprintf("(updated_at.gt.%s,and(updated_at.eq.%s,%s.gt.%s))",
		req.After.UpdatedAt, req.After.UpdatedAt, req.PrimaryKey, quoteValue(req.After.PrimaryKey))
	b.WriteString("&or=" + escape(filter))
	return b.String()
}

// quoteValue double-quotes keys containing PostgREST reserved characters.
func quoteValue(v string) string {
	if strings.ContainsAny(v, ",.:()\" ") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

// Pull fetches one page of records ordered by updated_at, then primary key.
func (c *Client) Pull(ctx context.Context, req PullRequest) ([]map[string]any, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("pull %s: limit must be positive", req.Table)
	}
	var records []map[string]any
	path := "/" + url.PathEscape(req.Table) + "?" + PullQuery(req)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &records); err != nil {
		return nil, fmt.Errorf("pull %s: %w", req.Table, err)
	}
	return records, nil
}

// PreferUpsert asks the server to merge rows with an existing primary key
// and reply without a body.
const PreferUpsert = "resolution=merge-duplicates,return=minimal"

// Push upserts records into table as a single batch.
func (c *Client) Push(ctx context.Context, table string, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}
	headers := map[string]string{"Prefer": PreferUpsert}
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(table), records, headers, nil); err != nil {
		return fmt.Errorf("push %s: %w", table, err)
	}
	return nil
}

// Health checks that the backend answers. It sends no credential.
func (c *Client) Health(ctx context.Context) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	u.Path = "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Op: "health check", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// Reachable probes Health and reports only failures a retry could cure. A
// backend without a health route answers 404 and still counts as up.
func (c *Client) Reachable(ctx context.Context) error {
	if err := c.Health(ctx); err != nil && IsRetryable(err) {
		return err
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, result any) error {
	token := ""
	if c.Token != nil {
		token = c.Token()
	}
	if token == "" {
		return ErrAuthRequired
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "read response", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		re := &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			switch {
			case eb.Error != nil:
				re.Code, re.Message = eb.Error.Code, eb.Error.Message
			case eb.Message != "":
				re.Code, re.Message = eb.Code, eb.Message
			}
		}
		return re
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
