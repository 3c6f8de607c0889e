// Package mysqlclient is a thin database/sql wrapper over the MySQL driver
// exposing exactly the query surface the orchestrator and replication
// controller need: listing databases and driving slave replication.
// Dumping shells out to mysqldump separately and does not go through this
// package.
package mysqlclient

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"sfReplicaBackup/internal/config"
)

// Client holds a single *sql.DB opened against the configured MySQL server,
// with no database selected. Callers needing a specific schema pass it
// explicitly to the statements that require one; the server itself is
// schema-agnostic for SHOW DATABASES and SHOW SLAVE STATUS.
type Client struct {
	db *sql.DB
}

// New opens a connection pool from the configured MySQL credentials. One
// Client is safe to share across concurrent workers; each worker's query
// simply borrows a connection from the pool for the duration of the call.
func New(cfg config.MySQL) (*Client, error) {
	dsn := buildDSN(cfg)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlclient: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlclient: connect to %s: %w", cfg.Host, err)
	}
	return &Client{db: db}, nil
}

func buildDSN(cfg config.MySQL) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/", cfg.Username, cfg.Password, cfg.Host)
}

// NewWithDB wraps an already-open *sql.DB, letting tests substitute a
// sqlmock connection without dialing a real server.
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// ListDatabases returns every schema name reported by SHOW DATABASES,
// falling back to information_schema.schemata if the SHOW form is ever
// unavailable under a restricted grant.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		rows, err = c.db.QueryContext(ctx, "SELECT schema_name FROM information_schema.schemata")
		if err != nil {
			return nil, fmt.Errorf("mysqlclient: list databases: %w", err)
		}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mysqlclient: scan database name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SlaveStatus is the subset of SHOW SLAVE STATUS columns the replication
// controller needs.
type SlaveStatus struct {
	IORunning  string
	SQLRunning string
}

// Running reports whether both the IO and SQL threads are in the "Yes"
// state.
func (s SlaveStatus) Running() bool {
	return s.IORunning == "Yes" && s.SQLRunning == "Yes"
}

// ShowSlaveStatus runs SHOW SLAVE STATUS and extracts the two thread-state
// columns by name, since their ordinal position varies across MySQL/MariaDB
// versions.
func (c *Client) ShowSlaveStatus(ctx context.Context) (SlaveStatus, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW SLAVE STATUS")
	if err != nil {
		return SlaveStatus{}, fmt.Errorf("mysqlclient: show slave status: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return SlaveStatus{}, fmt.Errorf("mysqlclient: show slave status columns: %w", err)
	}
	if !rows.Next() {
		return SlaveStatus{}, fmt.Errorf("mysqlclient: show slave status: no row (is this server a replica?)")
	}

	vals := make([]sql.RawBytes, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range vals {
		scanArgs[i] = &vals[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return SlaveStatus{}, fmt.Errorf("mysqlclient: show slave status scan: %w", err)
	}

	var status SlaveStatus
	for i, col := range cols {
		switch col {
		case "Slave_IO_Running":
			status.IORunning = string(vals[i])
		case "Slave_SQL_Running":
			status.SQLRunning = string(vals[i])
		}
	}
	return status, rows.Err()
}

// StartSlave issues START SLAVE.
func (c *Client) StartSlave(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "START SLAVE"); err != nil {
		return fmt.Errorf("mysqlclient: start slave: %w", err)
	}
	return nil
}

// StopSlave issues STOP SLAVE.
func (c *Client) StopSlave(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "STOP SLAVE"); err != nil {
		return fmt.Errorf("mysqlclient: stop slave: %w", err)
	}
	return nil
}
