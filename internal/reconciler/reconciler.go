// Package reconciler owns the canonical in-memory server state and turns
// incoming refreshes and deltas into immutable, sequence-numbered snapshots.
package reconciler

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqui/mqui/pkg/types"
)

// ErrInconsistent signals a delta that arrived before any full-refresh
// baseline. The caller must issue a full refresh rather than guess state.
var ErrInconsistent = errors.New("reconciler: delta before baseline")

// Subscription delivers snapshots to one observer in publish order. A slow
// observer is coalesced to the latest snapshot rather than queued.
type Subscription struct {
	C <-chan *types.StateSnapshot

	id int
	ch chan *types.StateSnapshot
	r  *Reconciler
}

// Cancel detaches the subscription. The channel is not closed; readers
// should select against their own shutdown signal.
func (s *Subscription) Cancel() {
	s.r.unsubscribe(s.id)
}

// Reconciler applies responses on a single-writer path and publishes the
// current snapshot through an atomically swapped pointer, so any number of
// readers see consistent state without locking.
type Reconciler struct {
	mu           sync.Mutex
	plugins      map[string]types.PluginRecord
	server       types.ServerMetadata
	haveBaseline bool
	seq          uint64
	subs         map[int]*Subscription
	nextSub      int

	current atomic.Pointer[types.StateSnapshot]
	logger  *slog.Logger

	now func() time.Time
}

// New returns a reconciler seeded with an empty snapshot at sequence zero.
func New() *Reconciler {
	r := &Reconciler{
		plugins: make(map[string]types.PluginRecord),
		subs:    make(map[int]*Subscription),
		logger:  slog.With("component", "reconciler"),
		now:     time.Now,
	}
	r.current.Store(&types.StateSnapshot{Taken: r.now()})
	return r
}

// Current returns the latest published snapshot. Never blocks, never nil.
func (r *Reconciler) Current() *types.StateSnapshot {
	return r.current.Load()
}

// Subscribe registers an observer for future snapshots.
func (r *Reconciler) Subscribe() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan *types.StateSnapshot, 1)
	sub := &Subscription{C: ch, ch: ch, id: r.nextSub, r: r}
	r.subs[r.nextSub] = sub
	r.nextSub++
	return sub
}

func (r *Reconciler) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// ApplyFull atomically replaces the plugin set with a full-refresh response.
// If the content equals the prior snapshot, publication is suppressed but
// the sequence number is still reserved, so later publications keep their
// strict order. Duplicate names in the response collapse to the last entry.
func (r *Reconciler) ApplyFull(server types.ServerMetadata, records []types.PluginRecord) *types.StateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]types.PluginRecord, len(records))
	for _, rec := range records {
		next[rec.Name] = rec
	}

	changed := !r.haveBaseline ||
		r.server.Software != server.Software ||
		r.server.Version != server.Version ||
		!equalPluginSets(r.plugins, next)

	r.plugins = next
	r.server = server
	r.haveBaseline = true
	r.seq++

	if !changed {
		r.logger.Debug("refresh unchanged, publish suppressed", "seq", r.seq)
		return r.current.Load()
	}
	return r.publishLocked()
}

// ApplyDelta merges incremental changes into the current plugin set. Before
// any baseline exists the delta is rejected with ErrInconsistent.
func (r *Reconciler) ApplyDelta(changes []types.PluginChange) (*types.StateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveBaseline {
		return nil, ErrInconsistent
	}

	changed := false
	for _, ch := range changes {
		if ch.Removed {
			if _, ok := r.plugins[ch.Name]; ok {
				delete(r.plugins, ch.Name)
				changed = true
			}
			continue
		}
		rec := types.PluginRecord{
			Name:          ch.Name,
			Version:       ch.Version,
			Enabled:       ch.Enabled,
			Compatibility: ch.Compatibility,
		}
		if prev, ok := r.plugins[ch.Name]; !ok || prev != rec {
			r.plugins[ch.Name] = rec
			changed = true
		}
	}

	r.seq++
	if !changed {
		return r.current.Load(), nil
	}
	return r.publishLocked(), nil
}

// publishLocked builds an immutable snapshot from the canonical state and
// swaps it in. Callers hold r.mu.
func (r *Reconciler) publishLocked() *types.StateSnapshot {
	plugins := make([]types.PluginRecord, 0, len(r.plugins))
	for _, rec := range r.plugins {
		plugins = append(plugins, rec)
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })

	server := r.server
	server.LastSeen = r.now()
	snap := &types.StateSnapshot{
		Seq:     r.seq,
		Server:  server,
		Plugins: plugins,
		Taken:   r.now(),
	}
	r.current.Store(snap)

	for _, sub := range r.subs {
		deliver(sub.ch, snap)
	}
	return snap
}

// deliver pushes a snapshot with at-most-latest semantics: if the observer
// has not drained the previous one, it is replaced rather than queued.
func deliver(ch chan *types.StateSnapshot, snap *types.StateSnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func equalPluginSets(a, b map[string]types.PluginRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for name, rec := range a {
		if other, ok := b[name]; !ok || other != rec {
			return false
		}
	}
	return true
}
