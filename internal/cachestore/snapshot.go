package cachestore

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Snapshot is a stored copy of a response.
type Snapshot struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAtMs int64       `json:"storedAtMs"`
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// SnapshotOf copies status, end-to-end headers and body. The caller keeps
// ownership of resp and must supply the already-read body.
func SnapshotOf(resp *http.Response, body []byte, nowMs int64) Snapshot {
	h := resp.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return Snapshot{
		Status:     resp.StatusCode,
		Header:     h,
		Body:       append([]byte(nil), body...),
		StoredAtMs: nowMs,
	}
}

// Response materialises the snapshot as a response to req. HEAD requests get
// the headers only.
func (s Snapshot) Response(req *http.Request) *http.Response {
	h := s.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	body := s.Body
	if req != nil && req.Method == http.MethodHead {
		body = nil
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}
