// Package tracker keeps the experiment run state machine. Each experiment
// is Unregistered, Running or Completed; every Running experiment owns one
// Run with its own dispatcher and caches.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/aggregator/internal/bus"
	"github.com/edvin/aggregator/internal/dispatch"
	"github.com/edvin/aggregator/internal/model"
	"github.com/edvin/aggregator/internal/store"
)

var (
	// ErrUnknownExperiment is returned for an experiment id the registry has
	// never registered.
	ErrUnknownExperiment = errors.New("unknown experiment")
	// ErrNotRunning is returned when an operation needs a running run.
	ErrNotRunning = errors.New("experiment has no running run")
	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("registry closed")
)

// Producer kinds.
const (
	ProducerSystem = "system"
	ProducerModel  = "model"
)

var (
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aggregator_active_runs",
		Help: "Number of experiment runs currently ingesting",
	})
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_runs_started_total",
		Help: "Total number of experiment runs started",
	})
)

// HandlerFactory builds the event handlers of a new run. Each handler is
// bound to every system and model event type it reports handling.
type HandlerFactory func(run *Run) []dispatch.Handler

// RunInfo identifies a registered run.
type RunInfo struct {
	ExperimentID int64
	RunID        int64
	JobNum       int
	// Created is false when the experiment was already running and the
	// existing run was returned.
	Created bool
}

// RunStatus is a snapshot of one run for status reporting.
type RunStatus struct {
	ExperimentID   int64               `json:"experiment_id"`
	ExperimentName string              `json:"experiment_name"`
	RunID          int64               `json:"run_id"`
	JobNum         int                 `json:"job_num"`
	StartTime      time.Time           `json:"start_time"`
	Running        bool                `json:"running"`
	Producers      map[string][]string `json:"producers"`
}

type experiment struct {
	id      int64
	name    string
	jobNum  int
	running bool
	run     *Run
}

// Registry tracks experiments and their runs. One lock serialises every
// state change, which keeps job numbers strictly sequential.
type Registry struct {
	store      store.Store
	subscriber bus.Subscriber
	factory    HandlerFactory
	logger     zerolog.Logger
	runLogger  zerolog.Logger

	mu          sync.RWMutex
	experiments map[int64]*experiment
	byName      map[string]*experiment
	runs        map[int64]*Run
	closed      bool
}

// NewRegistry creates an empty registry.
func NewRegistry(s store.Store, subscriber bus.Subscriber, factory HandlerFactory, logger zerolog.Logger) *Registry {
	return &Registry{
		store:       s,
		subscriber:  subscriber,
		factory:     factory,
		logger:      logger.With().Str("component", "tracker").Logger(),
		runLogger:   logger,
		experiments: make(map[int64]*experiment),
		byName:      make(map[string]*experiment),
		runs:        make(map[int64]*Run),
	}
}

// RegisterExperimentRun resolves the experiment by name and makes sure it
// has a running run. A running experiment returns its current run; a
// completed one starts the next job; an experiment not yet seen by this
// process starts at the first job number not already in the database.
func (r *Registry) RegisterExperimentRun(ctx context.Context, name, modelName string, ts time.Time) (RunInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return RunInfo{}, ErrClosed
	}

	expID, err := r.store.InsertUnique(ctx, "experiments",
		[]store.Field{store.F("name", name), store.F("model_name", modelName)},
		"name",
	)
	if err != nil {
		return RunInfo{}, fmt.Errorf("register experiment %q: %w", name, err)
	}

	e, ok := r.experiments[expID]
	if ok && e.running {
		return RunInfo{ExperimentID: expID, RunID: e.run.ID(), JobNum: e.jobNum}, nil
	}

	var job int
	if ok {
		job = e.jobNum + 1
	} else {
		job, err = r.firstFreeJob(ctx, expID)
		if err != nil {
			return RunInfo{}, fmt.Errorf("register experiment %q: %w", name, err)
		}
		e = &experiment{id: expID, name: name}
	}

	runID, err := r.store.InsertUnique(ctx, "experiment_runs",
		[]store.Field{
			store.F("experiment_id", expID),
			store.F("job_num", job),
			store.F("start_time", ts),
		},
		"experiment_id", "job_num",
	)
	if err != nil {
		return RunInfo{}, fmt.Errorf("register run %d of %q: %w", job, name, err)
	}

	d := dispatch.New(ctx, fmt.Sprintf("run-%d", runID), r.subscriber, r.runLogger.With().Str("experiment", name).Logger())
	run := newRun(expID, name, runID, job, ts, r.store, d)
	if err := r.bindHandlers(run); err != nil {
		d.Stop()
		return RunInfo{}, err
	}

	e.jobNum = job
	e.running = true
	e.run = run
	r.experiments[expID] = e
	r.byName[name] = e
	r.runs[runID] = run
	activeRuns.Inc()
	runsStarted.Inc()

	r.logger.Info().
		Str("experiment", name).
		Int64("experiment_id", expID).
		Int64("run_id", runID).
		Int("job_num", job).
		Msg("experiment run registered")

	return RunInfo{ExperimentID: expID, RunID: runID, JobNum: job, Created: true}, nil
}

func (r *Registry) firstFreeJob(ctx context.Context, expID int64) (int, error) {
	for job := 0; ; job++ {
		_, err := r.store.GetID(ctx, "experiment_runs",
			store.F("experiment_id", expID),
			store.F("job_num", job),
		)
		if errors.Is(err, store.ErrNotFound) {
			return job, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func (r *Registry) bindHandlers(run *Run) error {
	if r.factory == nil {
		return nil
	}
	types := append(append([]string(nil), model.SystemEventTypes...), model.ModelEventTypes...)
	for _, h := range r.factory(run) {
		var bound []string
		for _, t := range types {
			if h.HandlesType(t) {
				bound = append(bound, t)
			}
		}
		if err := run.dispatcher.Bind(h, bound...); err != nil {
			return err
		}
	}
	return nil
}

// FinishExperimentRun marks the experiment's running run completed and
// stops its dispatcher. The next registration starts job+1.
func (r *Registry) FinishExperimentRun(ctx context.Context, experimentID int64, ts time.Time) error {
	r.mu.Lock()
	e, ok := r.experiments[experimentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("finish experiment %d: %w", experimentID, ErrUnknownExperiment)
	}
	if !e.running {
		r.mu.Unlock()
		return fmt.Errorf("finish experiment %q: %w", e.name, ErrNotRunning)
	}
	run := e.run
	if err := r.store.UpdateByID(ctx, "experiment_runs", run.ID(), store.F("end_time", ts)); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("finish experiment %q: %w", e.name, err)
	}
	e.running = false
	delete(r.runs, run.ID())
	activeRuns.Dec()
	r.mu.Unlock()

	// Stop outside the lock: the run's in-flight handler may still resolve
	// hostnames through the registry.
	run.dispatcher.Stop()

	r.logger.Info().
		Str("experiment", e.name).
		Int64("run_id", run.ID()).
		Int("job_num", run.JobNum()).
		Msg("experiment run completed")
	return nil
}

func (r *Registry) runningRun(experimentID int64) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("experiment %d: %w", experimentID, ErrUnknownExperiment)
	}
	if !e.running {
		return nil, fmt.Errorf("experiment %q: %w", e.name, ErrNotRunning)
	}
	return e.run, nil
}

// RegisterSystemEventProducer attaches a system event endpoint to the
// experiment's running run.
func (r *Registry) RegisterSystemEventProducer(ctx context.Context, experimentID int64, endpoint string) error {
	return r.registerProducer(ctx, experimentID, ProducerSystem, endpoint)
}

// RegisterModelEventProducer attaches a model event endpoint to the
// experiment's running run.
func (r *Registry) RegisterModelEventProducer(ctx context.Context, experimentID int64, endpoint string) error {
	return r.registerProducer(ctx, experimentID, ProducerModel, endpoint)
}

func (r *Registry) registerProducer(ctx context.Context, experimentID int64, kind, endpoint string) error {
	run, err := r.runningRun(experimentID)
	if err != nil {
		return fmt.Errorf("register %s producer %s: %w", kind, endpoint, err)
	}
	if err := run.dispatcher.Connect(ctx, endpoint); err != nil {
		return fmt.Errorf("register %s producer %s: %w", kind, endpoint, err)
	}
	run.addProducer(kind, endpoint)
	return nil
}

// StartExperimentLoggerReceivers starts delivering the run's events to its
// handlers. Events published to connected endpoints before this call are
// delivered once it is made.
func (r *Registry) StartExperimentLoggerReceivers(ctx context.Context, experimentID int64) error {
	run, err := r.runningRun(experimentID)
	if err != nil {
		return fmt.Errorf("start receivers: %w", err)
	}
	// The loop lives until the run completes or the registry closes.
	run.dispatcher.Start(context.WithoutCancel(ctx))
	return nil
}

// AddNodeIDWithHostname caches a node id in the run's hostname cache.
func (r *Registry) AddNodeIDWithHostname(runID int64, hostname string, nodeID int64) {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if ok {
		run.AddNode(hostname, nodeID)
	}
}

// GetNodeIDFromHostname resolves a hostname within a run. Completed runs
// are resolved against the database only.
func (r *Registry) GetNodeIDFromHostname(ctx context.Context, runID int64, hostname string) (int64, error) {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if ok {
		return run.NodeIDFromHostname(ctx, hostname)
	}
	return r.store.GetID(ctx, "nodes",
		store.F("hostname", hostname),
		store.F("experiment_run_id", runID),
	)
}

// GetCurrentRunID returns the id of the experiment's running run.
func (r *Registry) GetCurrentRunID(name string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok || !e.running {
		return 0, false
	}
	return e.run.ID(), true
}

// CurrentRun returns the identifiers of the experiment's running run.
func (r *Registry) CurrentRun(name string) (RunInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok || !e.running {
		return RunInfo{}, false
	}
	return RunInfo{ExperimentID: e.id, RunID: e.run.ID(), JobNum: e.jobNum}, true
}

// GetCurrentRunJobNum returns the job number of the experiment's latest run,
// running or completed.
func (r *Registry) GetCurrentRunJobNum(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return e.jobNum, true
}

// Run returns the running run with the given id.
func (r *Registry) Run(runID int64) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	return run, ok
}

// Runs returns the latest run of every known experiment, ordered by
// experiment name.
func (r *Registry) Runs() []RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunStatus, 0, len(r.experiments))
	for _, e := range r.experiments {
		out = append(out, RunStatus{
			ExperimentID:   e.id,
			ExperimentName: e.name,
			RunID:          e.run.ID(),
			JobNum:         e.jobNum,
			StartTime:      e.run.StartTime(),
			Running:        e.running,
			Producers:      e.run.Producers(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentName < out[j].ExperimentName })
	return out
}

// Close stops every running run's dispatcher and waits for their in-flight
// events. Runs are not marked completed; a restart resumes at the next job.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	running := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		running = append(running, run)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, run := range running {
		g.Go(func() error {
			run.dispatcher.Stop()
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info().Int("runs", len(running)).Msg("registry closed")
	return err
}
