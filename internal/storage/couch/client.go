// Package couch provides the HTTP document-database storage backend, speaking
// the CouchDB protocol: one database per class, MVCC _rev tokens on every
// document, Mango queries with a client-side fallback.
package couch

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
)

// Error is a CouchDB-level failure carrying the HTTP status and the server's
// error/reason pair.
type Error struct {
	StatusCode int    `json:"-"`
	ErrorType  string `json:"error"`
	Reason     string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("couchdb: %d %s: %s", e.StatusCode, e.ErrorType, e.Reason)
}

// IsNotFound reports a missing document or database.
func (e *Error) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsConflict reports an MVCC revision conflict.
func (e *Error) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// client is a minimal CouchDB HTTP client.
type client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func newClient(baseURL, username, password string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// do issues a request with a JSON body and decodes a JSON response into out.
// Non-2xx responses are returned as *Error.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cerr := &Error{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(cerr)
		if cerr.ErrorType == "" {
			cerr.ErrorType = http.StatusText(resp.StatusCode)
		}
		return cerr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// docPath builds /db/docid with the doc id escaped.
func docPath(db, id string) string {
	return "/" + db + "/" + url.PathEscape(id)
}

// ensureDB creates a database, treating already-exists as success.
func (c *client) ensureDB(ctx context.Context, db string) error {
	err := c.do(ctx, http.MethodPut, "/"+db, nil, nil)
	var cerr *Error
	if err != nil {
		if asCouchError(err, &cerr) && cerr.StatusCode == http.StatusPreconditionFailed {
			return nil
		}
		return err
	}
	return nil
}

func asCouchError(err error, out **Error) bool {
	if cerr, ok := err.(*Error); ok {
		*out = cerr
		return true
	}
	return false
}
