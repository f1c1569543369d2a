package serializer

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/tidecache/cache"
)

// FetchedOnHeader carries the time a dynamic entry was stored, in Unix milliseconds.
const FetchedOnHeader = "Sw-Fetched-On"

// BufferResponse reads the body of res into memory and replaces it with an
// in-memory reader, so that the response can both be stored and returned.
func BufferResponse(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// ResponseToEntry snapshots a response whose body was buffered with BufferResponse.
func ResponseToEntry(res *http.Response, body []byte, tier cache.Tier) cache.Entry {
	return cache.Entry{
		Status: res.StatusCode,
		Header: res.Header.Clone(),
		Body:   append([]byte(nil), body...),
		Tier:   tier,
	}
}

// EntryToResponse creates a response for req from a stored entry.
func EntryToResponse(e cache.Entry, req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// SetFetchedOn stamps the entry with the given time.
func SetFetchedOn(e *cache.Entry, t time.Time) {
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Set(FetchedOnHeader, strconv.FormatInt(t.UnixMilli(), 10))
	e.StoredAt = t
}

// FetchedOn reads back the time stamped by SetFetchedOn.
// The boolean is false if the header is missing or unparseable.
func FetchedOn(e cache.Entry) (time.Time, bool) {
	v := e.Header.Get(FetchedOnHeader)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
