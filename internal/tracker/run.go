package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edvin/aggregator/internal/dispatch"
	"github.com/edvin/aggregator/internal/store"
)

// Run is the ingestion context of one experiment run: its row ids, its
// dispatcher and its hostname cache. Handlers hold a *Run directly, so
// hostname lookups never touch the registry lock.
type Run struct {
	experimentID   int64
	experimentName string
	id             int64
	jobNum         int
	startTime      time.Time

	store      store.Store
	dispatcher *dispatch.Dispatcher

	mu        sync.RWMutex
	nodes     map[string]int64
	producers map[string][]string
}

func newRun(experimentID int64, experimentName string, id int64, jobNum int, start time.Time, s store.Store, d *dispatch.Dispatcher) *Run {
	return &Run{
		experimentID:   experimentID,
		experimentName: experimentName,
		id:             id,
		jobNum:         jobNum,
		startTime:      start,
		store:          s,
		dispatcher:     d,
		nodes:          make(map[string]int64),
		producers:      make(map[string][]string),
	}
}

func (r *Run) ID() int64              { return r.id }
func (r *Run) ExperimentID() int64    { return r.experimentID }
func (r *Run) ExperimentName() string { return r.experimentName }
func (r *Run) JobNum() int            { return r.jobNum }
func (r *Run) StartTime() time.Time   { return r.startTime }

// AddNode caches the node id registered for hostname.
func (r *Run) AddNode(hostname string, nodeID int64) {
	r.mu.Lock()
	r.nodes[hostname] = nodeID
	r.mu.Unlock()
}

// NodeIDFromHostname returns the id of the node registered under hostname
// in this run. A cache miss falls back to the database and populates the
// cache; a host never registered in this run yields store.ErrNotFound.
func (r *Run) NodeIDFromHostname(ctx context.Context, hostname string) (int64, error) {
	r.mu.RLock()
	id, ok := r.nodes[hostname]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := r.store.GetID(ctx, "nodes",
		store.F("hostname", hostname),
		store.F("experiment_run_id", r.id),
	)
	if err != nil {
		return 0, err
	}
	r.AddNode(hostname, id)
	return id, nil
}

func (r *Run) addProducer(kind, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.producers[kind] {
		if e == endpoint {
			return
		}
	}
	r.producers[kind] = append(r.producers[kind], endpoint)
}

// Producers returns the endpoints registered per producer kind.
func (r *Run) Producers() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.producers))
	for k, v := range r.producers {
		eps := append([]string(nil), v...)
		sort.Strings(eps)
		out[k] = eps
	}
	return out
}
