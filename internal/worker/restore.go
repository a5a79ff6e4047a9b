package worker

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// RestoreStateKind discriminates cache journal entries.
type RestoreStateKind int

const (
	// StatePull checks a project out into every worker cache.
	StatePull RestoreStateKind = iota
	// StateRemove drops a project from every worker cache.
	StateRemove
	// StateClear empties every worker cache.
	StateClear
	// StateUpdate refreshes cached projects; recorded as a version bump
	// only.
	StateUpdate
)

// RestoreState is one cache mutation recorded in the journal.
type RestoreState struct {
	Kind RestoreStateKind
	URI  string
}

// Pull returns a checkout mutation for uri.
func Pull(uri string) RestoreState { return RestoreState{Kind: StatePull, URI: uri} }

// Remove returns a drop mutation for uri.
func Remove(uri string) RestoreState { return RestoreState{Kind: StateRemove, URI: uri} }

// Clear returns a clear-cache mutation.
func Clear() RestoreState { return RestoreState{Kind: StateClear} }

// Update returns a refresh mutation.
func Update() RestoreState { return RestoreState{Kind: StateUpdate} }

type journalEntry struct {
	version uint64
	state   RestoreState
}

// Restore is the authoritative journal of the cache and config state
// every live worker must reach before serving a request.
//
// Access is guarded by the pool's restore lock: one writer at a time,
// many concurrent readers during reconciliation.
type Restore struct {
	// Monotone version counter. Bumped by every mutation.
	update uint64
	// Current checked-out set.
	pulls map[string]struct{}
	// Config version and value.
	configVersion uint64
	config        any
	// Append-only journal of (version, state).
	states []journalEntry
}

// NewRestore creates an empty journal seeded with the projects to
// restore at startup. The version starts at 1 so that a reconciled
// worker is always distinguishable from a brand-new one (lastUpdate 0).
func NewRestore(projects []string) *Restore {
	r := &Restore{update: 1, pulls: make(map[string]struct{})}
	for _, uri := range projects {
		r.pulls[uri] = struct{}{}
	}
	return r
}

// Version returns the current update counter.
func (r *Restore) Version() uint64 { return r.update }

// Pulls returns the checked-out set in deterministic order.
func (r *Restore) Pulls() []string {
	uris := make([]string, 0, len(r.pulls))
	for uri := range r.pulls {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// RestoreWorker reconciles a worker with the journal.
//
// A brand-new worker (lastUpdate 0) receives a checkout for every pulled
// project. A stale worker receives the config if it changed, then the
// tail of the journal: entries are walked from the tail backward down to
// the worker's version and applied in encounter order, newest first. An
// older entry for the same project is therefore applied after a newer
// one.
func (r *Restore) RestoreWorker(w *Worker) error {
	last := w.lastUpdate
	switch {
	case last == 0:
		for _, uri := range r.Pulls() {
			if _, err := w.CheckoutProject(uri, true); err != nil {
				return err
			}
		}
		w.lastUpdate = r.update
	case last < r.update:
		log.Debugf("Restoring worker %s from version %d to %d", w.Name(), last, r.update)
		if r.config != nil && r.configVersion > last {
			if err := w.PutConfig(r.config); err != nil {
				return err
			}
		}
		for i := len(r.states) - 1; i >= 0; i-- {
			entry := r.states[i]
			if entry.version <= last {
				break
			}
			switch entry.state.Kind {
			case StatePull:
				if _, err := w.CheckoutProject(entry.state.URI, true); err != nil {
					return err
				}
			case StateRemove:
				if _, err := w.DropProject(entry.state.URI); err != nil {
					return err
				}
			case StateClear:
				if err := w.ClearCache(); err != nil {
					return err
				}
			case StateUpdate:
				// Version bump only.
			}
		}
		w.lastUpdate = r.update
	}
	return nil
}

// UpdateCache records a cache mutation in the journal.
//
// Pull and Remove that would not change the checked-out set are
// dropped without bumping the version. Clear resets the set and the
// journal but keeps bumping, so stale workers still reconcile.
func (r *Restore) UpdateCache(state RestoreState) {
	switch state.Kind {
	case StatePull:
		if _, ok := r.pulls[state.URI]; ok {
			return
		}
		r.pulls[state.URI] = struct{}{}
	case StateRemove:
		if _, ok := r.pulls[state.URI]; !ok {
			return
		}
		delete(r.pulls, state.URI)
	case StateClear:
		r.pulls = make(map[string]struct{})
		r.states = nil
	case StateUpdate:
		r.update++
		return
	}
	r.update++
	r.states = append(r.states, journalEntry{version: r.update, state: state})
}

// UpdateConfig records a new worker configuration.
func (r *Restore) UpdateConfig(config any) {
	r.update++
	r.configVersion = r.update
	r.config = config
}
