package orchestrator

import (
	"sync"
	"time"

	"github.com/mbd888/ledgerlink/internal/metrics"
)

// watcherArena holds the expiry timer handles, one per in-flight outgoing
// transfer, keyed by transfer id. Timers are process-local and not
// persisted: a restart loses them, and the contract's own timelock plus
// any other party's timeout call cover that gap.
type watcherArena struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newWatcherArena() *watcherArena {
	return &watcherArena{timers: make(map[string]*time.Timer)}
}

// Arm schedules fire at the given time for the transfer id. A watcher
// already armed for the id is left in place.
func (a *watcherArena) Arm(id string, at time.Time, fire func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.timers[id]; ok {
		return
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timers[id] = time.AfterFunc(d, func() {
		a.remove(id)
		fire()
	})
	metrics.ExpiryWatchersActive.Set(float64(len(a.timers)))
}

// Cancel stops and discards the watcher for id, if any. Called when a
// close event for the transfer lands through reconciliation, so timers
// do not accumulate for contracts that already resolved.
func (a *watcherArena) Cancel(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
		metrics.ExpiryWatchersActive.Set(float64(len(a.timers)))
	}
}

// Shutdown stops every armed watcher. Called on disconnect.
func (a *watcherArena) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
	metrics.ExpiryWatchersActive.Set(0)
}

func (a *watcherArena) remove(id string) {
	a.mu.Lock()
	delete(a.timers, id)
	metrics.ExpiryWatchersActive.Set(float64(len(a.timers)))
	a.mu.Unlock()
}
