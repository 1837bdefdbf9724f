package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/config"
	"github.com/roach88/publishonce/internal/guard"
	"github.com/roach88/publishonce/internal/store"
	"github.com/roach88/publishonce/internal/testutil"
)

// stepTimeout bounds how long a step waits for an attempt to reach or
// leave its side effect.
const stepTimeout = 10 * time.Second

// errHookFailed is returned by the side effect of a fail_hook step.
var errHookFailed = errors.New("side effect failed on request")

// Option configures Run.
type Option func(*runner)

// WithLogger routes guard decisions to logger. Defaults to discarding.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// attempt is a publish paused inside its side effect.
type attempt struct {
	reached chan struct{}
	release chan struct{}
	done    chan error
}

type runner struct {
	scenario *Scenario
	backend  string
	mode     guard.LockMode
	logger   *slog.Logger
	clock    *testutil.StepClock
	seq      testutil.Sequence

	nodes     map[string]store.Backend
	ids       map[string]uuid.UUID
	names     map[uuid.UUID]string
	snapshots map[string]article.Article
	held      map[string]*attempt

	mu    sync.Mutex
	hooks map[string]int

	result *Result
}

// Run executes a scenario against fresh stores and returns its result.
// The returned error is reserved for scenarios that cannot run at all;
// failed expectations are reported in Result.Errors.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", s.Name, err)
	}
	mode, err := guard.ParseLockMode(s.Lock)
	if err != nil {
		return nil, err
	}
	backend := s.Backend
	if backend == "" {
		backend = BackendSQLite
	}

	r := &runner{
		scenario:  s,
		backend:   backend,
		mode:      mode,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:     testutil.NewStepClock(time.Second),
		nodes:     make(map[string]store.Backend, len(s.Nodes)),
		ids:       make(map[string]uuid.UUID),
		names:     make(map[uuid.UUID]string),
		snapshots: make(map[string]article.Article),
		held:      make(map[string]*attempt),
		hooks:     make(map[string]int),
		result:    NewResult(s.Name, backend),
	}
	for _, opt := range opts {
		opt(r)
	}

	dir, err := os.MkdirTemp("", "publishonce-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := r.openNodes(ctx, filepath.Join(dir, "articles.db")); err != nil {
		r.closeNodes()
		return nil, err
	}
	defer r.closeNodes()

	if err := r.createArticles(ctx); err != nil {
		return nil, err
	}

	for i, step := range s.Steps {
		if err := r.execute(ctx, i, step); err != nil {
			r.releaseAll()
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	r.releaseAll()

	if err := r.collectFinal(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

// openNodes opens one store handle per node. SQLite nodes are separate
// connection pools on one file; memory nodes share a single store.
func (r *runner) openNodes(ctx context.Context, path string) error {
	var shared store.Backend
	for _, name := range r.scenario.Nodes {
		if r.backend == BackendMemory && shared != nil {
			r.nodes[name] = shared
			continue
		}
		cfg := config.StoreConfig{Driver: config.DriverMemory}
		if r.backend == BackendSQLite {
			cfg = config.StoreConfig{
				Driver:       config.DriverSQLite,
				Path:         path,
				BusyTimeout:  5 * time.Second,
				MaxOpenConns: 2,
			}
		}
		b, err := store.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open node %s: %w", name, err)
		}
		r.nodes[name] = b
		shared = b
	}
	return nil
}

func (r *runner) closeNodes() {
	closed := make(map[store.Backend]bool)
	for _, b := range r.nodes {
		if closed[b] {
			continue
		}
		closed[b] = true
		if err := b.Close(); err != nil {
			r.logger.Warn("close node failed", "error", err)
		}
	}
}

func (r *runner) firstNode() store.Backend {
	return r.nodes[r.scenario.Nodes[0]]
}

func (r *runner) createArticles(ctx context.Context) error {
	for _, name := range r.scenario.Articles {
		a, err := article.New(name, article.NewFixedGenerator(testutil.NameID(name)), testutil.Epoch)
		if err != nil {
			return fmt.Errorf("article %q: %w", name, err)
		}
		if err := r.firstNode().CreateArticle(ctx, a); err != nil {
			return fmt.Errorf("create article %q: %w", name, err)
		}
		r.ids[name] = a.ID
		r.names[a.ID] = name
		r.snapshots[name] = a
	}
	return nil
}

// id returns the article's ID. Undeclared names map to IDs that were never
// created.
func (r *runner) id(name string) uuid.UUID {
	if id, ok := r.ids[name]; ok {
		return id
	}
	return testutil.NameID(name)
}

func (r *runner) execute(ctx context.Context, i int, step Step) error {
	if step.Release != "" {
		return r.release(i, step)
	}
	return r.publish(ctx, i, step)
}

func (r *runner) publish(ctx context.Context, i int, step Step) error {
	var at *attempt
	if step.Hold {
		key := heldKey(step.Node, step.Publish)
		if _, busy := r.held[key]; busy {
			return fmt.Errorf("node %s already holds an attempt on %s", step.Node, step.Publish)
		}
		at = &attempt{
			reached: make(chan struct{}),
			release: make(chan struct{}),
			done:    make(chan error, 1),
		}
	}

	g := guard.New(r.hook(step, at),
		guard.WithLockMode(r.mode),
		guard.WithClock(r.clock.Now),
		guard.WithLogger(r.logger.With("node", step.Node)),
	)
	st := r.nodes[step.Node]
	call := func() error {
		if step.Stale {
			return g.PublishArticle(ctx, st, r.snapshots[step.Publish])
		}
		return g.Publish(ctx, st, r.id(step.Publish))
	}

	if at == nil {
		err := call()
		r.record(i, step, OutcomeOf(err), stageOf(err))
		return nil
	}

	go func() { at.done <- call() }()
	select {
	case <-at.reached:
		r.held[heldKey(step.Node, step.Publish)] = at
		r.record(i, step, OutcomeHeld, guard.StageSideEffect)
	case err := <-at.done:
		r.record(i, step, OutcomeOf(err), stageOf(err))
	case <-time.After(stepTimeout):
		return errors.New("timed out waiting for held attempt to reach its side effect")
	}
	return nil
}

func (r *runner) release(i int, step Step) error {
	key := heldKey(step.Node, step.Release)
	at, ok := r.held[key]
	if !ok {
		return fmt.Errorf("no held attempt on %s for node %s", step.Release, step.Node)
	}
	delete(r.held, key)
	close(at.release)

	select {
	case err := <-at.done:
		r.record(i, step, OutcomeOf(err), stageOf(err))
		return nil
	case <-time.After(stepTimeout):
		return errors.New("timed out waiting for released attempt to finish")
	}
}

// releaseAll finishes attempts a scenario forgot to release.
func (r *runner) releaseAll() {
	keys := make([]string, 0, len(r.held))
	for k := range r.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		at := r.held[k]
		delete(r.held, k)
		close(at.release)
		select {
		case <-at.done:
		case <-time.After(stepTimeout):
		}
		r.result.AddError(fmt.Sprintf("attempt %s was still held at end of scenario", k))
	}
}

// hook builds the side effect for one attempt.
func (r *runner) hook(step Step, at *attempt) guard.SideEffect {
	return func(ctx context.Context, a article.Article) error {
		if at != nil {
			close(at.reached)
			select {
			case <-at.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if step.FailHook {
			return errHookFailed
		}
		r.mu.Lock()
		r.hooks[r.names[a.ID]]++
		r.mu.Unlock()
		return nil
	}
}

func (r *runner) record(i int, step Step, outcome Outcome, stage guard.Stage) {
	if outcome == OutcomePublished {
		stage = ""
	}
	r.result.Trace = append(r.result.Trace, TraceEvent{
		Seq:     r.seq.Next(),
		Node:    step.Node,
		Op:      step.Op(),
		Article: step.Article(),
		Outcome: outcome,
		Stage:   stage,
	})
	if step.Expect != "" && step.Expect != outcome {
		r.result.AddError(fmt.Sprintf("step %d: %s %s on %s: expected %s, got %s",
			i+1, step.Op(), step.Article(), step.Node, step.Expect, outcome))
	}
}

// collectFinal reads each declared article from the first node and checks
// the scenario's final expectations.
func (r *runner) collectFinal(ctx context.Context) error {
	for _, name := range r.scenario.Articles {
		a, err := r.firstNode().GetArticle(ctx, r.ids[name])
		if err != nil {
			return fmt.Errorf("read final state of %q: %w", name, err)
		}
		r.mu.Lock()
		hooks := r.hooks[name]
		r.mu.Unlock()
		r.result.Final = append(r.result.Final, ArticleState{
			Name:      name,
			Published: a.IsPublished,
			Hooks:     hooks,
		})

		if hooks > 1 {
			r.result.AddError(fmt.Sprintf("article %s: side effect ran %d times", name, hooks))
		}
		if a.IsPublished != (hooks == 1) {
			r.result.AddError(fmt.Sprintf("article %s: published=%t but side effect ran %d times", name, a.IsPublished, hooks))
		}
		if want, ok := r.scenario.ExpectPublished[name]; ok && want != a.IsPublished {
			r.result.AddError(fmt.Sprintf("article %s: expected published=%t, got %t", name, want, a.IsPublished))
		}
		if want, ok := r.scenario.ExpectHooks[name]; ok && want != hooks {
			r.result.AddError(fmt.Sprintf("article %s: expected %d side effects, got %d", name, want, hooks))
		}
	}
	return nil
}

func heldKey(node, name string) string {
	return node + "/" + name
}
