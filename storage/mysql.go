package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/data-ingest/logger"
)

var mysqlDialect = dialect{
	name:        "MySQL",
	placeholder: func(int) string { return "?" },
	eventTable: `
	CREATE TABLE IF NOT EXISTS device_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id VARCHAR(64) NOT NULL,
		device_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		sequence BIGINT NOT NULL,
		payload JSON,
		error TEXT,
		occurred_at DATETIME(3) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uk_event_id (event_id),
		INDEX idx_device_id (device_id),
		INDEX idx_event_type (event_type),
		INDEX idx_occurred_at (occurred_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`,
	fieldTable: `
	CREATE TABLE IF NOT EXISTS device_fields (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		type VARCHAR(16) NOT NULL,
		value TEXT NOT NULL,
		FOREIGN KEY (event_id) REFERENCES device_events(id) ON DELETE CASCADE,
		INDEX idx_event_id (event_id),
		INDEX idx_name (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`,
}

// NewMySQLSink connects to MySQL, creating the database named in dsn when it
// does not exist.
func NewMySQLSink(dsn string) (*SQLSink, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %v", err)
	}

	// connect to the server without selecting a database first
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect MySQL server failed: %v", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		strings.ReplaceAll(database, "`", "``")))
	if err != nil {
		return nil, fmt.Errorf("create database failed: %v", err)
	}
	logger.Info("ensured MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect MySQL database failed: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %v", err)
	}
	configurePool(db)

	sink := newSQLSink(db, mysqlDialect)
	if err := sink.InitDatabase(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init MySQL database failed: %v", err)
	}

	logger.Info("MySQL event storage initialized")
	return sink, nil
}

// parseMySQLDSN returns the database name of dsn and a copy of dsn without it.
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	if cfg.DBName == "" {
		return "", "", fmt.Errorf("DSN does not name a database")
	}
	database = cfg.DBName
	cfg.DBName = ""
	return database, cfg.FormatDSN(), nil
}
