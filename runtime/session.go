// Package runtime drives huntflow evaluation.  A Session owns the
// graph, the variable bindings, the registered backend interfaces,
// and the result cache; submitting statements grows the graph, and
// trigger statements (DISP, INFO, APPLY, EXPLAIN) run the
// resolve-compile-execute pipeline over it.
package runtime

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	"github.com/princesaroj111/kestrel-lang/cache"
	"github.com/princesaroj111/kestrel-lang/compiler"
	"github.com/princesaroj111/kestrel-lang/compiler/ast"
	"github.com/princesaroj111/kestrel-lang/config"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/logger"
	"github.com/princesaroj111/kestrel-lang/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// compiledMemoSize bounds the per-session memo of compiled segments.
const compiledMemoSize = 128

// Config assembles a session from parts.  Every field has a usable
// zero value: a fresh registry, an in-memory cache, a nop logger, an
// isolated metrics registry, and the built-in materialization budget.
type Config struct {
	Registry   *schema.Registry
	Store      cache.Store
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Budget caps the bytes of result tables a single trigger may
	// materialize.  Zero selects the built-in default.
	Budget int64
	// Clock anchors relative time ranges, overridable for
	// reproducible fingerprints in tests.
	Clock func() time.Time
}

// Session is the stateful engine behind one hunt.  All methods are
// safe for concurrent use; statements and triggers serialize, so at
// most one pipeline is in flight per session.
type Session struct {
	id       string
	registry *schema.Registry
	backends *backend.Registry
	store    cache.Store
	logger   *zap.Logger
	metrics  *metrics
	budget   int64

	mu      sync.Mutex
	graph   *ir.Graph
	builder *compiler.Builder
	memo    *lru.Cache[string, *backend.Compiled]
	clock   func() time.Time
	closed  bool
	// fatal poisons the session once a cache consistency violation is
	// detected: stored results can no longer be trusted.
	fatal error
}

func NewSession(conf Config) (*Session, error) {
	reg := conf.Registry
	if reg == nil {
		reg = schema.NewRegistry()
	}
	store := conf.Store
	if store == nil {
		store = cache.NewMemoryStore(conf.Registerer)
	}
	log := conf.Logger
	if log == nil {
		log = zap.NewNop()
	}
	budget := conf.Budget
	if budget <= 0 {
		budget = config.Cache{}.MaterializationBudget()
	}
	memo, err := lru.New[string, *backend.Compiled](compiledMemoSize)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       ksuid.New().String(),
		registry: reg,
		backends: backend.NewRegistry(),
		store:    store,
		metrics:  newMetrics(conf.Registerer),
		budget:   budget,
		graph:    ir.NewGraph(),
		memo:     memo,
		clock:    conf.Clock,
	}
	s.logger = log.With(zap.String("session", s.id), zap.String("version", kestrel.Version))
	s.builder = compiler.NewBuilder(s.graph, reg)
	if s.clock != nil {
		s.builder.SetClock(s.clock)
	}
	s.logger.Debug("session open", zap.Int64("budget_bytes", s.budget))
	return s, nil
}

// Open builds a session from loaded configuration: the logger, the
// cache store, and any user dialect and relation catalogs.  Metrics
// stay on a per-session registry; pass a Registerer through
// NewSession to export them.
func Open(conf config.Config) (*Session, error) {
	log, err := logger.New(conf.Logger)
	if err != nil {
		return nil, err
	}
	reg := schema.NewRegistry()
	for _, path := range conf.Schema.Dialects {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if _, err := reg.LoadDialect(b); err != nil {
			return nil, kqe.E(kqe.SchemaResolution, "dialect map %s: %w", path, err)
		}
	}
	for _, path := range conf.Schema.Relations {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := reg.LoadRelations(b); err != nil {
			return nil, kqe.E(kqe.SchemaResolution, "relation catalog %s: %w", path, err)
		}
	}
	var store cache.Store
	switch conf.Cache.Store {
	case "", "memory":
		store = cache.NewMemoryStore(nil)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Cache.Redis.Addr,
			Password: conf.Cache.Redis.Password,
			DB:       conf.Cache.Redis.DB,
		})
		store = cache.NewRedisStore(client, cache.RedisConfig{
			KeyPrefix:     conf.Cache.Redis.KeyPrefix,
			KeyExpiration: conf.Cache.Redis.Expiration,
		}, nil)
	default:
		return nil, kqe.E(kqe.Conflict, "unknown cache store %q", conf.Cache.Store)
	}
	return NewSession(Config{
		Registry: reg,
		Store:    store,
		Logger:   log,
		Budget:   conf.Cache.MaterializationBudget(),
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Registry returns the schema registry the session resolves against.
func (s *Session) Registry() *schema.Registry {
	return s.registry
}

// Graph exposes the session's operation graph for inspection; callers
// must treat it as read-only.
func (s *Session) Graph() *ir.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Register adds a backend interface to the session.  Registration
// order matters: when several interfaces could host a node, the
// planner prefers the one registered first.
func (s *Session) Register(iface backend.Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backends.Register(iface); err != nil {
		return err
	}
	s.logger.Debug("interface registered",
		zap.String("interface", iface.Name()),
		zap.String("dialect", iface.Dialect()))
	return nil
}

// Result is the outcome of one trigger statement.
type Result struct {
	// Node is the trigger's graph node.
	Node ir.NodeID
	Kind ir.Kind
	// Binding names the variable the statement (re)bound, if any.
	Binding string
	// Table holds the materialized result of DISP, INFO, and APPLY
	// triggers.
	Table *kestrel.Table
	// Explain holds the compiled plan of an EXPLAIN trigger.
	Explain *Explain
}

// Submit parses a block of statements and builds each onto the graph
// in order.  Assignment statements only grow the graph; trigger
// statements run the pipeline and contribute a Result.  On error the
// results of the statements that already ran are returned with it.
func (s *Session) Submit(ctx context.Context, src string) ([]*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	stmts, err := compiler.Parse(src)
	if err != nil {
		return nil, err
	}
	var results []*Result
	for _, stmt := range stmts {
		node, err := s.builder.Build(stmt)
		if err != nil {
			return results, err
		}
		if !isTrigger(stmt) {
			continue
		}
		res, err := s.evaluate(ctx, node.ID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Trigger materializes the variable's current node, reusing cached
// results where possible, and returns its table.
func (s *Session) Trigger(ctx context.Context, name string) (*kestrel.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	id, ok := s.graph.Lookup(name)
	if !ok {
		return nil, kqe.E(kqe.Reference, "variable %q is not defined%s",
			name, schema.Suggest(name, s.graph.BindingNames()))
	}
	res, err := s.evaluate(ctx, id)
	if err != nil {
		return nil, err
	}
	return res.Table, nil
}

// Reset discards the graph, the bindings, and every cached result.
// Registered interfaces and the schema registry survive.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kqe.E(kqe.Conflict, "session is closed")
	}
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	s.graph = ir.NewGraph()
	s.builder = compiler.NewBuilder(s.graph, s.registry)
	if s.clock != nil {
		s.builder.SetClock(s.clock)
	}
	s.memo.Purge()
	s.fatal = nil
	s.logger.Debug("session reset")
	return nil
}

// Close releases the session and closes every registered interface
// that holds resources.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs error
	for _, iface := range s.backends.All() {
		if closer, ok := iface.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	s.logger.Debug("session closed")
	return errs
}

func (s *Session) usable() error {
	if s.closed {
		return kqe.E(kqe.Conflict, "session is closed")
	}
	if s.fatal != nil {
		return s.fatal
	}
	return nil
}

// evaluate runs the pipeline for one trigger node.  The caller holds
// s.mu, which serializes pipelines per session.
func (s *Session) evaluate(ctx context.Context, trigger ir.NodeID) (*Result, error) {
	n := s.graph.Node(trigger)
	start := time.Now()
	p := &pipeline{
		s:       s,
		results: make(map[ir.NodeID]*kestrel.Table),
		staged:  make(map[ir.NodeID]*cache.Entry),
	}
	res, err := p.run(ctx, trigger)
	elapsed := time.Since(start)
	s.metrics.observeTrigger(n.Kind.String(), err, elapsed)
	if err != nil {
		if kqe.IsFatal(err) {
			s.fatal = err
			s.logger.Error("session poisoned", zap.Error(err))
		}
		s.logger.Debug("trigger failed",
			zap.Stringer("kind", n.Kind),
			zap.Int("node", int(trigger)),
			zap.Error(err))
		return nil, err
	}
	s.logger.Info("trigger complete",
		zap.Stringer("kind", n.Kind),
		zap.Int("node", int(trigger)),
		zap.Int("segments", len(p.plan.Segments)),
		zap.Int("cached", len(p.plan.Cached)),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func isTrigger(stmt ast.Stmt) bool {
	switch stmt.(type) {
	case *ast.Disp, *ast.Info, *ast.Apply, *ast.Explain:
		return true
	}
	return false
}
