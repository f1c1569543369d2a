package tidecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/tidecache/cache"
	"github.com/always-cache/tidecache/metrics"
	cachekey "github.com/always-cache/tidecache/pkg/cache-key"
	serializer "github.com/always-cache/tidecache/pkg/response-serializer"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// SkipWaiting is the message requesting immediate activation of the waiting version.
const SkipWaiting = "skipWaiting"

// ErrNoWaitingVersion is returned when activating without a waiting version.
var ErrNoWaitingVersion = errors.New("no waiting version")

// State of a version.
type State int

const (
	Installing State = iota
	Waiting
	Activating
	Active
	// Redundant versions were replaced or failed to install.
	Redundant
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	default:
		return "redundant"
	}
}

// Version is one deployment of the shell, identified by its stamp.
type Version struct {
	Stamp string
	// guarded by the worker mutex
	state State
	table cache.Table
}

// TableName returns the name of the static table of the version.
func (v *Version) TableName() string {
	return StaticTablePrefix + v.Stamp
}

// Install fetches every shell asset of the version and stores them in its
// static table. Any failure aborts the installation and the version becomes
// redundant. A successful version waits for activation, unless no version is
// active yet, in which case it is activated right away.
func (w *Worker) Install(ctx context.Context, stamp string) error {
	if stamp == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "empty version stamp")
	}
	log := w.log.With().Str("version", stamp).Logger()
	v := &Version{Stamp: stamp, state: Installing}
	w.mutex.Lock()
	w.versions[stamp] = v
	w.mutex.Unlock()

	log.Info().Msg("Installing version")
	table, err := w.install(ctx, v)
	if err != nil {
		w.mutex.Lock()
		v.state = Redundant
		w.mutex.Unlock()
		log.Error().Err(err).Msg("Could not install version")
		return err
	}

	w.mutex.Lock()
	v.table = table
	if w.waiting != nil && w.waiting != v {
		w.waiting.state = Redundant
	}
	v.state = Waiting
	w.waiting = v
	first := w.active == nil
	w.mutex.Unlock()

	log.Info().Msg("Version installed")
	if first {
		return w.Activate(ctx)
	}
	return nil
}

// install fetches all assets before storing any of them,
// so that a failed installation leaves no partial table behind.
func (w *Worker) install(ctx context.Context, v *Version) (cache.Table, error) {
	assets := w.policy.Manifest()
	keys := make([]string, len(assets))
	entries := make([]cache.Entry, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range assets {
		g.Go(func() error {
			u := w.keyer.Base.ResolveReference(&url.URL{Path: path})
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return installError(err, v.Stamp, path)
			}
			res, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return installError(err, v.Stamp, path)
			}
			body, err := serializer.BufferResponse(res)
			if err != nil {
				return installError(err, v.Stamp, path)
			}
			if !isSuccess(res.StatusCode) {
				return installError(fmt.Errorf("unexpected status %d", res.StatusCode), v.Stamp, path)
			}
			w.log.Trace().Str("asset", path).Msg("Fetched shell asset")
			keys[i] = cachekey.Key(http.MethodGet, u.String())
			entries[i] = serializer.ResponseToEntry(res, body, cache.TierStatic)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	table, err := w.store.Open(ctx, v.TableName())
	if err != nil {
		return nil, installError(err, v.Stamp, "")
	}
	for i := range keys {
		if err := table.Put(ctx, keys[i], entries[i]); err != nil {
			return nil, installError(err, v.Stamp, assets[i])
		}
	}
	w.metrics.StoreOp(component, metrics.OpInstall, len(keys))
	return table, nil
}

func installError(err error, stamp, asset string) error {
	perr := platformerrors.WithContext(
		platformerrors.Wrap(err, platformerrors.CodeExecutionFailed, "shell installation failed"),
		"version", stamp)
	if asset != "" {
		perr = platformerrors.WithContext(perr, "asset", asset)
	}
	return perr
}

// Activate makes the waiting version the active one and sweeps the store.
// It returns ErrNoWaitingVersion if no version is waiting.
func (w *Worker) Activate(ctx context.Context) error {
	w.mutex.Lock()
	v := w.waiting
	if v == nil {
		w.mutex.Unlock()
		return ErrNoWaitingVersion
	}
	v.state = Activating
	w.waiting = nil
	if w.active != nil && w.active != v {
		w.active.state = Redundant
	}
	w.active = v
	v.state = Active
	w.mutex.Unlock()

	w.metrics.Activated()
	w.log.Info().Str("version", v.Stamp).Msg("Version activated")

	res, err := w.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep after activating %s: %w", v.Stamp, err)
	}
	w.log.Debug().
		Str("version", v.Stamp).
		Int("expired", res.Expired).
		Strs("dropped", res.Dropped).
		Msg("Swept store")
	return nil
}

// Message handles a message posted to the worker.
// Only SkipWaiting is understood; other messages are ignored.
func (w *Worker) Message(ctx context.Context, data string) error {
	if data != SkipWaiting {
		w.log.Trace().Str("message", data).Msg("Ignoring message")
		return nil
	}
	return w.Activate(ctx)
}

// ActiveVersion returns the stamp of the active version, or "" if none.
func (w *Worker) ActiveVersion() string {
	if v := w.activeVersion(); v != nil {
		return v.Stamp
	}
	return ""
}

// WaitingVersion returns the stamp of the waiting version, or "" if none.
func (w *Worker) WaitingVersion() string {
	if v := w.waitingVersion(); v != nil {
		return v.Stamp
	}
	return ""
}

// VersionState returns the state of the most recent version with the stamp.
func (w *Worker) VersionState(stamp string) (State, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	v, ok := w.versions[stamp]
	if !ok {
		return Redundant, false
	}
	return v.state, true
}

func (w *Worker) activeVersion() *Version {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.active
}

func (w *Worker) waitingVersion() *Version {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.waiting
}

// keptTables returns the static tables that must survive a sweep.
// Nil means no version is active and nothing may be dropped.
func (w *Worker) keptTables() map[string]bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.active == nil {
		return nil
	}
	kept := map[string]bool{
		w.active.TableName(): true,
		w.dynamicTable:       true,
	}
	// versions still on their way to activation
	for _, v := range w.versions {
		if v.state == Installing || v.state == Waiting {
			kept[v.TableName()] = true
		}
	}
	return kept
}
