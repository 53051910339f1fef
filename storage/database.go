package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/logger"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// NewDatabaseSink opens the database of dbType, creating it and its tables
// when missing.
func NewDatabaseSink(dbType string, dsn string) (*SQLSink, error) {
	switch DatabaseType(strings.ToLower(dbType)) {
	case MySQL:
		return NewMySQLSink(dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLSink(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// dialect holds what differs between the supported databases.
type dialect struct {
	name        string
	placeholder func(n int) string
	eventTable  string
	fieldTable  string
	// returningID selects INSERT ... RETURNING id over LastInsertId
	returningID bool
}

// SQLSink stores events in a device_events table. The parsed fields of
// data_received events are flattened into device_fields.
type SQLSink struct {
	db      *sql.DB
	dialect dialect
}

func newSQLSink(db *sql.DB, d dialect) *SQLSink {
	return &SQLSink{db: db, dialect: d}
}

// configurePool applies the pool settings shared by both databases.
func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)
}

// InitDatabase creates the tables.
func (s *SQLSink) InitDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.eventTable); err != nil {
		return fmt.Errorf("create device_events table failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.fieldTable); err != nil {
		return fmt.Errorf("create device_fields table failed: %v", err)
	}
	logger.Info("%s tables initialized", s.dialect.name)
	return nil
}

// placeholders returns "(p1, ..., pn)" starting at argument number from.
func (s *SQLSink) placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.dialect.placeholder(from + i)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// Store implements Sink
func (s *SQLSink) Store(ctx context.Context, ev device.Event) (err error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("serialize event data failed: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %v", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			logger.Error("%s transaction rolled back: %v", s.dialect.name, err)
		}
	}()

	eventSQL := "INSERT INTO device_events (event_id, device_id, event_type, sequence, payload, error, occurred_at) VALUES " +
		s.placeholders(1, 7)
	args := []interface{}{ev.ID, ev.DeviceID, string(ev.Type), int64(ev.Sequence), string(payload), ev.Error, ev.Timestamp.UTC()}

	var eventID int64
	if s.dialect.returningID {
		if err = tx.QueryRowContext(ctx, eventSQL+" RETURNING id", args...).Scan(&eventID); err != nil {
			return fmt.Errorf("insert event failed: %v", err)
		}
	} else {
		var result sql.Result
		if result, err = tx.ExecContext(ctx, eventSQL, args...); err != nil {
			return fmt.Errorf("insert event failed: %v", err)
		}
		if eventID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("get insert id failed: %v", err)
		}
	}

	if fields := eventFields(ev); len(fields) > 0 {
		valueStrings := make([]string, 0, len(fields))
		valueArgs := make([]interface{}, 0, len(fields)*4)
		for i, f := range fields {
			valueStrings = append(valueStrings, s.placeholders(i*4+1, 4))
			valueArgs = append(valueArgs, eventID, f.name, f.kind, f.value)
		}
		fieldSQL := "INSERT INTO device_fields (event_id, name, type, value) VALUES " + strings.Join(valueStrings, ", ")
		if _, err = tx.ExecContext(ctx, fieldSQL, valueArgs...); err != nil {
			return fmt.Errorf("insert fields failed: %v", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %v", err)
	}

	logger.Debug("stored %s event of device %s in %s", ev.Type, ev.DeviceID, s.dialect.name)
	return nil
}

// Close implements Sink
func (s *SQLSink) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close %s connection failed: %v", s.dialect.name, err)
		}
		logger.Info("%s connection closed", s.dialect.name)
	}
	return nil
}

type field struct {
	name  string
	kind  string
	value string
}

// eventFields flattens the parsed payload of a data_received event. Nested
// objects produce dotted names; arrays are stored as JSON.
func eventFields(ev device.Event) []field {
	if ev.Type != device.EventDataReceived {
		return nil
	}
	reading, ok := ev.Data.(device.Reading)
	if !ok {
		return nil
	}
	obj, ok := reading.Parsed.(map[string]interface{})
	if !ok {
		return nil
	}
	var out []field
	flatten("", obj, &out)
	return out
}

func flatten(prefix string, obj map[string]interface{}, out *[]field) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := obj[k].(type) {
		case map[string]interface{}:
			flatten(name, v, out)
		case float64, int, int64:
			*out = append(*out, field{name, "number", fmt.Sprint(v)})
		case bool:
			*out = append(*out, field{name, "boolean", fmt.Sprint(v)})
		case string:
			*out = append(*out, field{name, "string", v})
		case nil:
			*out = append(*out, field{name, "null", ""})
		default:
			raw, _ := json.Marshal(v)
			*out = append(*out, field{name, "json", string(raw)})
		}
	}
}
