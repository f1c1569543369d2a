package tidecache

import (
	"context"
	"errors"
	"net/http"

	"github.com/always-cache/tidecache/cache"
	"github.com/always-cache/tidecache/metrics"
	"github.com/always-cache/tidecache/partition"
	cachekey "github.com/always-cache/tidecache/pkg/cache-key"
	serializer "github.com/always-cache/tidecache/pkg/response-serializer"
	"github.com/always-cache/tidecache/rfc9211"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// FetchEvent is one intercepted request.
// Work scheduled with WaitUntil may finish after the response was returned.
type FetchEvent struct {
	// Request with an absolute URL.
	Request *http.Request

	group       errgroup.Group
	cacheStatus rfc9211.CacheStatus
}

func NewFetchEvent(req *http.Request) *FetchEvent {
	return &FetchEvent{
		Request:     req,
		cacheStatus: rfc9211.CacheStatus{Cache: cacheName},
	}
}

// WaitUntil runs f in the background, extending the lifetime of the event.
func (e *FetchEvent) WaitUntil(f func() error) {
	e.group.Go(f)
}

// Wait blocks until all work scheduled with WaitUntil returned,
// and returns the first error.
func (e *FetchEvent) Wait() error {
	return e.group.Wait()
}

// CacheStatus tells how the event was answered.
func (e *FetchEvent) CacheStatus() rfc9211.CacheStatus {
	return e.cacheStatus
}

// Fetch answers the event from the cache or the network.
//
// Stored responses are served as they are. Network responses are returned
// unchanged; successful ones are stored in the background, failed ones
// remove any stored response for the same request.
// An error is returned only if no response could be fetched.
func (w *Worker) Fetch(ctx context.Context, ev *FetchEvent) (*http.Response, error) {
	req := ev.Request
	cs := &ev.cacheStatus

	if res, ok := w.handover(ctx, ev); ok {
		return res, nil
	}

	key := cachekey.Key(req.Method, req.URL.String())
	class := w.policy.Classify(req.URL)
	log := w.log.With().Str("key", key).Str("class", class.String()).Logger()

	if storable(req.Method) {
		e, ok, err := w.store.Match(ctx, key)
		if err != nil {
			log.Error().Err(err).Msg("Could not look up stored response")
		} else if ok {
			log.Trace().Msg("Serving stored response")
			cs.Hit()
			w.metrics.Request(component, metrics.ResultHit)
			return serializer.EntryToResponse(e, req), nil
		}
		cs.Forward(rfc9211.FwdReasonUriMiss)
	} else {
		cs.Forward(rfc9211.FwdReasonMethod)
	}
	if class == partition.Ignored {
		cs.Forward(rfc9211.FwdReasonBypass)
	}

	log.Trace().Msg("Fetching from network")
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.metrics.Request(component, metrics.ResultError)
		return nil, networkError(err, req)
	}
	cs.FwdStatus = res.StatusCode
	body, err := serializer.BufferResponse(res)
	if err != nil {
		w.metrics.Request(component, metrics.ResultError)
		return nil, networkError(err, req)
	}

	if !isSuccess(res.StatusCode) {
		w.metrics.Request(component, metrics.ResultFailure)
		if class != partition.Ignored {
			n, err := w.store.Purge(ctx, key)
			if err != nil {
				log.Error().Err(err).Msg("Could not delete stored response")
			} else if n > 0 {
				log.Debug().Int("status", res.StatusCode).Msg("Deleted stored response after failure")
				w.metrics.StoreOp(component, metrics.OpDelete, n)
			}
		}
		return res, nil
	}
	if class == partition.Ignored {
		w.metrics.Request(component, metrics.ResultBypass)
		return res, nil
	}
	w.metrics.Request(component, metrics.ResultMiss)
	if !storable(req.Method) {
		return res, nil
	}

	var table cache.Table
	entry := serializer.ResponseToEntry(res, body, cache.TierDynamic)
	if class == partition.Static {
		active := w.activeVersion()
		if active == nil || active.table == nil {
			log.Trace().Msg("No active version, not storing shell asset")
			return res, nil
		}
		table = active.table
		entry.Tier = cache.TierStatic
	} else {
		serializer.SetFetchedOn(&entry, w.now())
	}

	cs.Stored = true
	bg := background(ctx)
	ev.WaitUntil(func() error {
		return w.put(bg, table, key, entry)
	})
	return res, nil
}

// put stores the entry in table, or in the dynamic table if table is nil.
func (w *Worker) put(ctx context.Context, table cache.Table, key string, e cache.Entry) error {
	if table == nil {
		var err error
		if table, err = w.store.Open(ctx, w.dynamicTable); err != nil {
			return err
		}
	}
	err := table.Put(ctx, key, e)
	if errors.Is(err, cache.ErrTableNotFound) {
		// the version was replaced while fetching
		w.log.Trace().Str("key", key).Str("table", table.Name()).Msg("Table gone, response not stored")
		return nil
	}
	if err != nil {
		w.metrics.StoreOp(component, metrics.OpError, 1)
		return err
	}
	w.log.Trace().Str("key", key).Str("table", table.Name()).Msg("Stored response")
	w.metrics.StoreOp(component, metrics.OpPut, 1)
	return nil
}

// handover activates a waiting version on navigation when no other client
// would be left running the old one. The navigation is answered with an
// immediate reload, so that the page is served by the new version.
func (w *Worker) handover(ctx context.Context, ev *FetchEvent) (*http.Response, bool) {
	if !isNavigation(ev.Request) || w.waitingVersion() == nil {
		return nil, false
	}
	n, err := w.clients.Count(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not count clients")
		return nil, false
	}
	if n >= 2 {
		w.log.Debug().Int("clients", n).Msg("Other clients open, version keeps waiting")
		return nil, false
	}
	// the sweep must not stop halfway when the navigating client goes away
	if err := w.Activate(background(ctx)); errors.Is(err, ErrNoWaitingVersion) {
		// activated concurrently
		return nil, false
	} else if err != nil {
		w.log.Error().Err(err).Msg("Activation did not complete")
	}
	ev.cacheStatus.Forward(rfc9211.FwdReasonBypass)
	ev.cacheStatus.Detail = "handover"
	w.metrics.Request(component, metrics.ResultRefresh)
	return refreshResponse(ev.Request), true
}

func refreshResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Refresh": {"0"}},
		Body:       http.NoBody,
		Request:    req,
	}
}

func isNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet && r.Header.Get("Sec-Fetch-Mode") == "navigate"
}

// storable reports whether responses to the method can be looked up and stored.
func storable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func networkError(err error, req *http.Request) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, platformerrors.CodeNetwork, "fetch failed"),
		"url", req.URL.String())
}
