package tidecache

import (
	"context"
	"time"

	"github.com/always-cache/tidecache/metrics"
	serializer "github.com/always-cache/tidecache/pkg/response-serializer"
)

// SweepResult reports what a sweep removed.
type SweepResult struct {
	// Number of dynamic entries older than the dynamic TTL.
	Expired int
	// Names of the tables dropped.
	Dropped []string
}

// Sweep evicts expired dynamic entries, then drops every table that is
// neither the dynamic table nor the static table of the active version.
// Entries without a readable timestamp never expire.
// Tables are only dropped while a version is active.
func (w *Worker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error
	if res.Expired, err = w.expireDynamic(ctx); err != nil {
		return res, err
	}
	res.Dropped, err = w.dropStaleTables(ctx)
	return res, err
}

func (w *Worker) expireDynamic(ctx context.Context) (int, error) {
	if ok, err := w.store.Has(ctx, w.dynamicTable); err != nil || !ok {
		return 0, err
	}
	table, err := w.store.Open(ctx, w.dynamicTable)
	if err != nil {
		return 0, err
	}
	keys, err := table.Keys(ctx)
	if err != nil {
		return 0, err
	}
	now := w.now()
	expired := 0
	for _, key := range keys {
		e, ok, err := table.Get(ctx, key)
		if err != nil {
			w.log.Error().Err(err).Str("key", key).Msg("Could not read dynamic entry")
			continue
		}
		if !ok {
			continue
		}
		fetchedOn, ok := serializer.FetchedOn(e)
		if !ok {
			w.log.Trace().Str("key", key).Msg("No fetch time, keeping entry")
			continue
		}
		if now.Sub(fetchedOn) <= w.dynamicTTL {
			continue
		}
		deleted, err := table.Delete(ctx, key)
		if err != nil {
			return expired, err
		}
		if deleted {
			w.log.Trace().Str("key", key).Time("fetchedOn", fetchedOn).Msg("Evicted dynamic entry")
			expired++
		}
	}
	w.metrics.StoreOp(component, metrics.OpEvict, expired)
	return expired, nil
}

func (w *Worker) dropStaleTables(ctx context.Context) ([]string, error) {
	kept := w.keptTables()
	if kept == nil {
		return nil, nil
	}
	names, err := w.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, name := range names {
		if kept[name] {
			continue
		}
		deleted, err := w.store.Delete(ctx, name)
		if err != nil {
			return dropped, err
		}
		if deleted {
			w.log.Debug().Str("table", name).Msg("Dropped table")
			dropped = append(dropped, name)
		}
	}
	w.metrics.StoreOp(component, metrics.OpDrop, len(dropped))
	return dropped, nil
}

// sweepLoop runs the sweep periodically until the worker is closed.
// Sweeps are skipped while no version is active.
func (w *Worker) sweepLoop() {
	w.log.Info().Msgf("Starting sweep loop with interval %s", w.sweepInterval)
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		if w.activeVersion() == nil {
			w.log.Trace().Msg("No active version, pausing sweep")
			continue
		}
		res, err := w.Sweep(context.Background())
		if err != nil {
			w.log.Error().Err(err).Msg("Could not sweep store")
			continue
		}
		w.log.Trace().Int("expired", res.Expired).Strs("dropped", res.Dropped).Msg("Swept store")
	}
}
