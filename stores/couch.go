package stores

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	se "wuyrush.io/locket/errors"
)

// couchClient wraps the plain-HTTP CouchDB access shared by the document
// stores. CouchDB revisions give us the conditional writes the capsule and
// share state machines rely on: a stale _rev turns into a 409 instead of a
// lost update.
type couchClient struct {
	C                    *http.Client
	dbAddr               string
	dbUsername, dbPasswd string
}

// CouchConfig holds the document store connection settings.
type CouchConfig struct {
	DBAddr               string
	DBUsername, DBPasswd string
	RT                   http.RoundTripper
	// fields below are optional
	RequestTimeout time.Duration
}

func newCouchClient(cfg *CouchConfig) *couchClient {
	return &couchClient{
		C: &http.Client{
			Transport: cfg.RT,
			Timeout:   cfg.RequestTimeout,
		},
		dbAddr:     cfg.DBAddr,
		dbUsername: cfg.DBUsername,
		dbPasswd:   cfg.DBPasswd,
	}
}

func (c *couchClient) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, fmt.Sprintf("%s/%s", c.dbAddr, path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.dbUsername, c.dbPasswd)
	return c.C.Do(req)
}

// getDoc loads the document with given id into ptr. A missing document maps
// to a NotFound error.
func (c *couchClient) getDoc(db, id string, ptr interface{}) *se.Err {
	resp, err := c.do(http.MethodGet, fmt.Sprintf("%s/%s", db, id), nil)
	if err != nil {
		return se.ErrServiceFailure("error getting response from DB").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return se.ErrNotFound(fmt.Sprintf("document %s not found", id))
	}
	if resp.StatusCode >= 400 {
		return se.ErrServiceFailure("failed to load document").WithCause(toCouchDBErr(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(ptr); err != nil {
		return se.ErrServiceFailure("error unmarshalling document").WithCause(err)
	}
	return nil
}

// putDoc writes doc under id. It reports a revision conflict separately so
// callers can re-read and decide whether the competing write already did
// their job.
func (c *couchClient) putDoc(db, id string, doc interface{}) (conflict bool, e *se.Err) {
	db64, err := json.Marshal(doc)
	if err != nil {
		return false, se.ErrServiceFailure("error marshalling document").WithCause(err)
	}
	resp, err := c.do(http.MethodPut, fmt.Sprintf("%s/%s", db, id), bytes.NewReader(db64))
	if err != nil {
		return false, se.ErrServiceFailure("error getting response from DB when saving document").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return true, nil
	}
	if resp.StatusCode >= 400 {
		return false, se.ErrServiceFailure("failed to save document").WithCause(toCouchDBErr(resp.Body))
	}
	return false, nil
}

// deleteDoc removes the document. Deleting an already-deleted document is a
// no-op, keeping delete idempotent for callers.
func (c *couchClient) deleteDoc(db, id, rev string) *se.Err {
	resp, err := c.do(http.MethodDelete, fmt.Sprintf("%s/%s?rev=%s", db, id, rev), nil)
	if err != nil {
		return se.ErrServiceFailure("error getting response from DB when deleting document").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 400 {
		return se.ErrServiceFailure("failed to delete document").WithCause(toCouchDBErr(resp.Body))
	}
	return nil
}

// find runs a mango _find query and decodes the matched docs into ptr,
// which must be a pointer to a slice.
func (c *couchClient) find(db string, selector map[string]interface{}, ptr interface{}) *se.Err {
	q := map[string]interface{}{"selector": selector}
	qb, err := json.Marshal(q)
	if err != nil {
		return se.ErrServiceFailure("error marshalling query").WithCause(err)
	}
	resp, err := c.do(http.MethodPost, fmt.Sprintf("%s/_find", db), bytes.NewReader(qb))
	if err != nil {
		return se.ErrServiceFailure("error getting response from DB when querying").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return se.ErrServiceFailure("query failed").WithCause(toCouchDBErr(resp.Body))
	}
	// _find responds with {"docs": [...], ...}
	raw := struct {
		Docs json.RawMessage `json:"docs"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return se.ErrServiceFailure("error unmarshalling query response").WithCause(err)
	}
	if err := json.Unmarshal(raw.Docs, ptr); err != nil {
		return se.ErrServiceFailure("error unmarshalling query docs").WithCause(err)
	}
	return nil
}

func (c *couchClient) close() *se.Err {
	// release the connections held by C
	c.C.CloseIdleConnections()
	return nil
}

// https://docs.couchdb.org/en/stable/json-structure.html#couchdb-error-status
type CouchDBErr struct {
	DocID  string `json:"id,omitempty"`
	Msg    string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e *CouchDBErr) Error() string {
	var b strings.Builder
	if e.Msg != "" {
		b.WriteString("error: ")
		b.WriteString(e.Msg)
	}
	if e.Reason != "" {
		b.WriteString(" reason: ")
		b.WriteString(e.Reason)
	}
	if e.DocID != "" {
		b.WriteString(" docID: ")
		b.WriteString(e.DocID)
	}
	return b.String()
}

func toCouchDBErr(r io.Reader) *CouchDBErr {
	e := &CouchDBErr{}
	if err := json.NewDecoder(r).Decode(e); err != nil {
		e.Msg = "failed to unmarshal CouchDB response body"
		e.Reason = err.Error()
	}
	return e
}
