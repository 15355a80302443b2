// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package pluginstore persists plugin records.
package pluginstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mcstats/ping-aggregation/model"
)

const maxRetries = 50

const (
	errLockWaitTimeout       = 1205
	errLockDeadlock          = 1213
	errTooManyConcurrentTrxs = 1637
)

// MySQL stores plugins in a MySQL database.
type MySQL struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenMySQL connects using cfg and creates any missing tables.
func OpenMySQL(ctx context.Context, cfg *mysql.Config, logger *zap.Logger) (*MySQL, error) {
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	return NewMySQL(ctx, sql.OpenDB(connector), logger)
}

// NewMySQL wraps db, which must be connected to a MySQL database, and
// creates any missing tables.
func NewMySQL(ctx context.Context, db *sql.DB, logger *zap.Logger) (*MySQL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db.SetMaxIdleConns(16)
	db.SetMaxOpenConns(16)
	if err := initSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &MySQL{db: db, logger: logger}, nil
}

// Close closes the underlying database resources.
func (m *MySQL) Close() error {
	return m.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS plugin(
id INT NOT NULL,
parent INT NOT NULL DEFAULT -1,
name VARCHAR(100) NOT NULL,
author VARCHAR(200) NOT NULL DEFAULT '',
hidden BOOL NOT NULL DEFAULT FALSE,
global_hits INT NOT NULL DEFAULT 0,
`+"`rank`"+` INT NOT NULL DEFAULT 0,
last_rank INT NOT NULL DEFAULT 0,
last_rank_change BIGINT NOT NULL DEFAULT 0,
created BIGINT NOT NULL DEFAULT 0,
last_updated BIGINT NOT NULL DEFAULT 0,
server_count_30 INT NOT NULL DEFAULT 0,
PRIMARY KEY (id),
UNIQUE KEY (name))`)
	return err
}

// LoadPlugins returns every stored plugin, clean.
func (m *MySQL) LoadPlugins(ctx context.Context) ([]*model.Plugin, error) {
	var plugins []*model.Plugin
	err := m.runInTx(ctx, func(tx *sql.Tx) error {
		plugins = plugins[:0]
		rows, err := tx.QueryContext(ctx, "SELECT id, parent, name, author, hidden, global_hits, `rank`, "+
			"last_rank, last_rank_change, created, last_updated, server_count_30 FROM plugin ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec model.PluginRecord
			if err := rows.Scan(
				&rec.ID, &rec.Parent, &rec.Name, &rec.Authors, &rec.Hidden, &rec.GlobalHits, &rec.Rank,
				&rec.LastRank, &rec.LastRankChange, &rec.Created, &rec.LastUpdated, &rec.ServerCount30,
			); err != nil {
				return err
			}
			plugins = append(plugins, model.NewPlugin(rec))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}
	m.logger.Debug("loaded plugins", zap.Int("count", len(plugins)))
	return plugins, nil
}

// SavePlugin implements model.PluginWriter.
func (m *MySQL) SavePlugin(ctx context.Context, rec model.PluginRecord) error {
	return m.runInTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO plugin(id, parent, name, author, hidden, global_hits, `rank`, "+
			"last_rank, last_rank_change, created, last_updated, server_count_30) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE parent=VALUES(parent), name=VALUES(name), author=VALUES(author), "+
			"hidden=VALUES(hidden), global_hits=VALUES(global_hits), `rank`=VALUES(`rank`), "+
			"last_rank=VALUES(last_rank), last_rank_change=VALUES(last_rank_change), created=VALUES(created), "+
			"last_updated=VALUES(last_updated), server_count_30=VALUES(server_count_30)",
			rec.ID, rec.Parent, rec.Name, rec.Authors, rec.Hidden, rec.GlobalHits, rec.Rank,
			rec.LastRank, rec.LastRankChange, rec.Created, rec.LastUpdated, rec.ServerCount30,
		)
		return err
	})
}

// runOnce runs f, passing it a transaction. The transaction is committed if
// f returns nil, otherwise rolled back.
func (m *MySQL) runOnce(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		return errors.Join(err, ignoreDone(tx.Rollback()))
	}
	return tx.Commit()
}

// runInTx runs f in a transaction, retrying it on lock contention.
func (m *MySQL) runInTx(ctx context.Context, f func(*sql.Tx) error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = m.runOnce(ctx, f)
		if !retriable(err) {
			return err
		}
		m.logger.Debug("retrying transaction", zap.Int("attempt", i+1), zap.Error(err))
		t := time.NewTimer(time.Duration(i*100) * time.Millisecond)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
	return err
}

func retriable(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Number {
	case errLockWaitTimeout, errLockDeadlock, errTooManyConcurrentTrxs:
		return true
	}
	return false
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
