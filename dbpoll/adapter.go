// Package dbpoll implements the database polling transport on database/sql.
// Connect opens a pool and pings it; reads run the configured query.
package dbpoll

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/validator"
)

// Command names.
const (
	CmdQuery = "query"
	CmdExec  = "exec"
)

var connectRules = validator.Set{
	&validator.RequiredValidator{Field: "driver"},
	&validator.RequiredValidator{Field: "dsn"},
	&validator.RangeValidator{Field: "maxOpenConns", Min: 1, Max: 100},
	&validator.RangeValidator{Field: "maxRows", Min: 1, Max: 100000},
}

var driverAliases = map[string]string{
	"postgresql": "postgres",
	"pg":         "postgres",
	"ch":         "clickhouse",
}

// Adapter serves the database connection type.
type Adapter struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[string]*source
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New creates a database polling adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		log:   zerolog.Nop(),
		conns: make(map[string]*source),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Types implements device.Adapter
func (a *Adapter) Types() []device.ConnectionType {
	return []device.ConnectionType{device.ConnectionDatabase}
}

// Pipelined implements device.Adapter
func (a *Adapter) Pipelined() bool { return true }

// Initialize implements device.Adapter
func (a *Adapter) Initialize(device.Env) error { return nil }

type source struct {
	driver  string
	db      *sql.DB
	query   string
	args    []interface{}
	maxRows int
}

func driverName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := driverAliases[name]; ok {
		name = alias
	}
	for _, d := range sql.Drivers() {
		if d == name {
			return name, nil
		}
	}
	return "", device.ValidationError("unsupported database driver %q", name)
}

// Connect implements device.Adapter. The pool holds no session between calls.
func (a *Adapter) Connect(ctx context.Context, deviceID string, cfg device.Config) error {
	p := cfg.Parameters
	if err := connectRules.Validate(map[string]interface{}(p)); err != nil {
		return device.ValidationError("%v", err)
	}
	driver, err := driverName(p.String("driver", ""))
	if err != nil {
		return err
	}

	db, err := sql.Open(driver, p.String("dsn", ""))
	if err != nil {
		return device.ValidationError("invalid dsn: %v", err)
	}
	db.SetMaxOpenConns(p.Int("maxOpenConns", 4))
	db.SetConnMaxIdleTime(p.Duration("connMaxIdleMs", time.Minute))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return device.TransportError(err, "ping %s", driver)
	}

	src := &source{
		driver:  driver,
		db:      db,
		query:   p.String("query", ""),
		args:    p.List("args"),
		maxRows: p.Int("maxRows", 1000),
	}

	a.mu.Lock()
	prev := a.conns[deviceID]
	a.conns[deviceID] = src
	a.mu.Unlock()
	if prev != nil {
		prev.db.Close()
	}

	a.log.Info().Str("device", deviceID).Str("driver", driver).Msg("database reachable")
	return nil
}

func (a *Adapter) lookup(deviceID string) (*source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.conns[deviceID]
	if !ok {
		return nil, device.NewError(device.KindNotConnected, "database is not connected")
	}
	return src, nil
}

// ReadData implements device.Adapter. Rows are returned as a JSON array of
// objects keyed by column name.
func (a *Adapter) ReadData(ctx context.Context, deviceID string) (device.Payload, error) {
	src, err := a.lookup(deviceID)
	if err != nil {
		return device.Payload{}, err
	}
	if src.query == "" {
		return device.Payload{}, device.ValidationError("no query configured")
	}

	rows, err := src.rows(ctx, src.query, src.args)
	if err != nil {
		return device.Payload{}, err
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return device.Payload{}, device.TransportError(err, "encode rows")
	}
	return device.Payload{Raw: raw, ContentType: "application/json", Timestamp: time.Now()}, nil
}

// SendCommand implements device.Adapter. query returns rows, exec returns the
// affected row count.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd device.Command) (*device.Reply, error) {
	src, err := a.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	p := cmd.Params()
	statement := p.String("sql", "")
	if statement == "" {
		return nil, device.ValidationError("%s requires sql", cmd.Command)
	}
	args := p.List("args")

	switch cmd.Command {
	case CmdQuery:
		rows, err := src.rows(ctx, statement, args)
		if err != nil {
			return nil, err
		}
		return &device.Reply{Result: rows}, nil

	case CmdExec:
		res, err := src.db.ExecContext(ctx, statement, args...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, device.TransportError(err, "exec")
		}
		out := map[string]interface{}{}
		if n, err := res.RowsAffected(); err == nil {
			out["rowsAffected"] = n
		}
		if id, err := res.LastInsertId(); err == nil {
			out["lastInsertId"] = id
		}
		return &device.Reply{Result: out}, nil
	}
	return nil, device.ValidationError("unsupported database command %q", cmd.Command)
}

func (s *source) rows(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, device.TransportError(err, "query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, device.TransportError(err, "read columns")
	}

	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		if len(out) >= s.maxRows {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, device.TransportError(err, "scan row")
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, device.TransportError(err, "iterate rows")
	}
	return out, nil
}

// Disconnect implements device.Adapter
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	a.mu.Lock()
	src := a.conns[deviceID]
	delete(a.conns, deviceID)
	a.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.db.Close()
}

// Drivers lists the registered driver names usable in the driver parameter.
func Drivers() []string {
	names := sql.Drivers()
	sort.Strings(names)
	return names
}
