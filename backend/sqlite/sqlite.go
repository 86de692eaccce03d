// Package sqlite provides the engine's reference backend: an embedded
// SQLite database that serves as the universal local store every
// segment can fall back to, and doubles as a queryable datasource
// interface once entity tables are loaded into it.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	"github.com/princesaroj111/kestrel-lang/backend/sqlgen"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	sqlite3 "modernc.org/sqlite"
)

func init() {
	sqlite3.MustRegisterDeterministicScalarFunction("regexp", 2, regexpFunc)
}

var regexpCache sync.Map

// regexpFunc backs the REGEXP operator, which SQLite rewrites to
// regexp(pattern, value).
func regexpFunc(_ *sqlite3.FunctionContext, args []driver.Value) (driver.Value, error) {
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("regexp: pattern must be text, got %T", args[0])
	}
	var re *regexp.Regexp
	if cached, ok := regexpCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		regexpCache.Store(pattern, compiled)
		re = compiled
	}
	switch v := args[1].(type) {
	case nil:
		return int64(0), nil
	case string:
		return boolInt(re.MatchString(v)), nil
	case []byte:
		return boolInt(re.Match(v)), nil
	default:
		return boolInt(re.MatchString(fmt.Sprint(v))), nil
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Config configures one SQLite interface.
type Config struct {
	// Name registers the interface; FROM clauses match it by scheme.
	Name string
	// Dialect names the schema dialect the database columns follow.
	// Empty means canonical names.
	Dialect string
	// Path is the database file.  Empty opens a private in-memory
	// database.
	Path string
	// Entities restricts a datasource interface to the listed
	// canonical entity types.  Nil serves every type the dialect maps.
	Entities []string
	// TableFor overrides the default physical table naming.
	TableFor sqlgen.TableFunc
	Logger   *zap.Logger
}

// Store is a SQLite-backed interface.
type Store struct {
	name     string
	dialect  string
	reg      *schema.Registry
	db       *sql.DB
	caps     backend.Capabilities
	tableFor sqlgen.TableFunc
	logger   *zap.Logger
}

var _ backend.Interface = (*Store)(nil)

// NewStore opens the universal local store: it evaluates every query
// node kind over any entity and accepts rows materialized by other
// interfaces, so any segment can fall back to it.
func NewStore(reg *schema.Registry, cfg Config) (*Store, error) {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	return open(reg, cfg, backend.Capabilities{
		Ops: []ir.Kind{ir.KindConstruct, ir.KindRetrieve, ir.KindTraverse,
			ir.KindTransform, ir.KindDisplay, ir.KindDescribe},
		Universal: true,
	})
}

// NewDatasource opens a SQLite-backed datasource interface: it answers
// queries over the entities its tables hold but leaves constructed
// variables and stats to the store.
func NewDatasource(reg *schema.Registry, cfg Config) (*Store, error) {
	return open(reg, cfg, backend.Capabilities{
		Ops: []ir.Kind{ir.KindRetrieve, ir.KindTraverse,
			ir.KindTransform, ir.KindDisplay},
		Entities:  cfg.Entities,
		Universal: true,
	})
}

func open(reg *schema.Registry, cfg Config, caps backend.Capabilities) (*Store, error) {
	if cfg.Name == "" {
		return nil, kqe.E(kqe.BackendCapability, "sqlite interface needs a name")
	}
	if cfg.Dialect == "" {
		cfg.Dialect = schema.DialectCanonical
	}
	if _, err := reg.Dialect(cfg.Dialect); err != nil {
		return nil, err
	}
	if cfg.TableFor == nil {
		cfg.TableFor = DefaultTableFor
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, kqe.E(kqe.BackendExecution, "%s: %w", cfg.Name, err)
	}
	return &Store{
		name:     cfg.Name,
		dialect:  cfg.Dialect,
		reg:      reg,
		db:       db,
		caps:     caps,
		tableFor: cfg.TableFor,
		logger:   cfg.Logger.With(zap.String("interface", cfg.Name)),
	}, nil
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		path = "file:" + ksuid.New().String() + "?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes
	// writers, which SQLite wants anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// DefaultTableFor names physical tables after the native entity,
// prefixed by the datasource so one database can hold several
// datasources' rows side by side.
func DefaultTableFor(datasource, nativeEntity string) string {
	if datasource == "" {
		return nativeEntity
	}
	return datasource + "_" + nativeEntity
}

func (s *Store) Name() string                       { return s.name }
func (s *Store) Dialect() string                    { return s.dialect }
func (s *Store) Capabilities() backend.Capabilities { return s.caps }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for seeding and inspection.
func (s *Store) DB() *sql.DB { return s.db }

// Load creates the physical table for an entity under a datasource
// name and appends the given rows, translating canonical columns to
// this interface's native names.
func (s *Store) Load(ctx context.Context, datasource, entity string, table *kestrel.Table) error {
	sch, err := s.reg.NativeSchema(s.dialect, entity, table.ColumnNames())
	if err != nil {
		return err
	}
	d, err := s.reg.Dialect(s.dialect)
	if err != nil {
		return err
	}
	nativeEntity, err := d.NativeEntity(entity)
	if err != nil {
		return err
	}
	name := s.tableFor(datasource, nativeEntity)
	defs := make([]string, len(sch))
	cols := make([]string, len(sch))
	for i, f := range sch {
		cols[i] = sqlgen.QuoteIdent(f.Native)
		defs[i] = cols[i] + " " + sqlType(f.Type)
	}
	ddl := "CREATE TABLE IF NOT EXISTS " + sqlgen.QuoteIdent(name) + " (" + strings.Join(defs, ", ") + ")"
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return kqe.E(kqe.BackendExecution, "%s: creating table %s: %w", s.name, name, err)
	}
	if table.Len() == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kqe.E(kqe.BackendExecution, "%s: %w", s.name, err)
	}
	defer tx.Rollback()
	const chunk = 500
	for start := 0; start < table.Len(); start += chunk {
		end := min(start+chunk, table.Len())
		b := sq.Insert(sqlgen.QuoteIdent(name)).Columns(cols...)
		for _, row := range table.Rows[start:end] {
			vals := make([]any, len(row))
			for i, v := range row {
				vals[i] = sqlgen.EncodeValue(v)
			}
			b = b.Values(vals...)
		}
		text, args, err := b.ToSql()
		if err != nil {
			return kqe.E(kqe.BackendExecution, "%s: %w", s.name, err)
		}
		if _, err := tx.ExecContext(ctx, text, args...); err != nil {
			return kqe.E(kqe.BackendExecution, "%s: loading table %s: %w", s.name, name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kqe.E(kqe.BackendExecution, "%s: %w", s.name, err)
	}
	s.logger.Debug("loaded table",
		zap.String("table", name),
		zap.String("entity", entity),
		zap.Int("rows", table.Len()))
	return nil
}

func sqlType(t kestrel.Type) string {
	switch t {
	case kestrel.TypeInt, kestrel.TypeBool:
		return "INTEGER"
	case kestrel.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Compile translates a segment into one nested query per sink.  A
// stats sink compiles the query of its dependency; the summary itself
// is computed during Execute.
func (s *Store) Compile(ctx context.Context, req *backend.CompileRequest) (*backend.Compiled, error) {
	tr, err := sqlgen.New(req.Graph, s.reg, s.dialect, s.tableFor, req)
	if err != nil {
		return nil, err
	}
	queries := make([]*backend.Query, 0, len(req.Segment.Sinks))
	var describes map[ir.NodeID]bool
	for _, sink := range req.Segment.Sinks {
		n := req.Graph.Node(sink)
		if n.Kind == ir.KindDescribe {
			q, err := tr.Query(n.Deps[0])
			if err != nil {
				return nil, err
			}
			if describes == nil {
				describes = make(map[ir.NodeID]bool)
			}
			describes[sink] = true
			queries = append(queries, &backend.Query{Sink: sink, Text: q.Text, Args: q.Args, Schema: q.Schema})
			continue
		}
		q, err := tr.Query(sink)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return &backend.Compiled{Interface: s.name, Segment: req.Segment, Queries: queries, Payload: describes}, nil
}

// Execute runs the compiled queries in sink order and translates the
// result rows back to canonical columns.
func (s *Store) Execute(ctx context.Context, c *backend.Compiled) (map[ir.NodeID]*kestrel.Table, error) {
	describes, _ := c.Payload.(map[ir.NodeID]bool)
	out := make(map[ir.NodeID]*kestrel.Table, len(c.Queries))
	for _, q := range c.Queries {
		start := time.Now()
		table, err := s.query(ctx, q)
		if err != nil {
			return nil, err
		}
		if describes[q.Sink] {
			table = Describe(table)
		}
		s.logger.Debug("executed query",
			zap.Int("node", int(q.Sink)),
			zap.Int("rows", table.Len()),
			zap.Duration("elapsed", time.Since(start)))
		out[q.Sink] = table
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, q *backend.Query) (*kestrel.Table, error) {
	rows, err := s.db.QueryContext(ctx, q.Text, q.Args...)
	if err != nil {
		return nil, kqe.E(kqe.BackendExecution, "%s: %w", s.name, err)
	}
	defer rows.Close()
	table := kestrel.NewTable(q.Schema.Columns()...)
	raw := make([]any, len(q.Schema))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, kqe.E(kqe.BackendExecution, "%s: %w", s.name, err)
		}
		cells := make([]any, len(raw))
		for i, v := range raw {
			cell, err := decodeValue(v, q.Schema[i].Type)
			if err != nil {
				return nil, kqe.E(kqe.BackendExecution, "%s: column %s: %w", s.name, q.Schema[i].Canonical, err)
			}
			cells[i] = cell
		}
		table.AppendRow(cells...)
	}
	if err := rows.Err(); err != nil {
		return nil, kqe.E(kqe.BackendExecution, "%s: %w", s.name, err)
	}
	return table, nil
}

// decodeValue converts a driver value back to its canonical in-memory
// form using the declared column type.  Times are stored as RFC 3339
// text and booleans as integers.
func decodeValue(v any, typ kestrel.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch typ {
	case kestrel.TypeTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected time text, got %T", v)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	case kestrel.TypeBool:
		if i, ok := v.(int64); ok {
			return i != 0, nil
		}
	case kestrel.TypeInt:
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	case kestrel.TypeFloat:
		if i, ok := v.(int64); ok {
			return float64(i), nil
		}
	}
	return v, nil
}
