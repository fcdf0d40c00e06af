package cachestore

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a cached request: method plus absolute URL.
type RequestKey string

// KeyFor builds the key for method and u. The fragment is dropped.
func KeyFor(method string, u *url.URL) RequestKey {
	if method == "" {
		method = http.MethodGet
	}
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return RequestKey(strings.ToUpper(method) + " " + cp.String())
}

// Method returns the method part of the key.
func (k RequestKey) Method() string {
	m, _, _ := strings.Cut(string(k), " ")
	return m
}

// URL returns the URL part of the key.
func (k RequestKey) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

var (
	genMarkerPrefix = []byte("cgen/")
	cachePrefix     = []byte("c/")
	recordSeg       = []byte("/r/")
)

func keyGeneration(gen string) []byte {
	return append(append([]byte(nil), genMarkerPrefix...), gen...)
}

func keyRecordPrefix(gen string) []byte {
	k := make([]byte, 0, len(cachePrefix)+len(gen)+len(recordSeg))
	k = append(k, cachePrefix...)
	k = append(k, gen...)
	return append(k, recordSeg...)
}

func keyRecord(gen string, rk RequestKey) []byte {
	return append(keyRecordPrefix(gen), rk...)
}
