package tidecache

import (
	"context"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
)

// EventKind names the lifecycle and request events a worker reacts to.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
)

// Event is delivered to the worker with Dispatch.
type Event struct {
	Kind EventKind
	// Version stamp, for install events.
	Version string
	// Intercepted request, for fetch events.
	Fetch *FetchEvent
	// Message data, for message events.
	Data string
}

type handler func(ctx context.Context, ev Event) (*http.Response, error)

// Dispatch runs the handler of the event kind.
// Only fetch events produce a response.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (*http.Response, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "unknown event kind %q", ev.Kind)
	}
	w.log.Trace().Str("event", string(ev.Kind)).Msg("Dispatching event")
	return h(ctx, ev)
}

func (w *Worker) onInstall(ctx context.Context, ev Event) (*http.Response, error) {
	return nil, w.Install(ctx, ev.Version)
}

func (w *Worker) onActivate(ctx context.Context, _ Event) (*http.Response, error) {
	return nil, w.Activate(ctx)
}

func (w *Worker) onFetch(ctx context.Context, ev Event) (*http.Response, error) {
	if ev.Fetch == nil || ev.Fetch.Request == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput, "fetch event without request")
	}
	return w.Fetch(ctx, ev.Fetch)
}

func (w *Worker) onMessage(ctx context.Context, ev Event) (*http.Response, error) {
	return nil, w.Message(ctx, ev.Data)
}
