package gridlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCellsTableName   = "gridlock_cells"
	postgresRowsTableName    = "gridlock_rows"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSubmitter is an EditSubmitter backed by Postgres. Edits are
// compare-and-set updates against the expected old value, so a row changed
// underneath a stale lock still surfaces as a conflict rather than a silent
// overwrite.
type PostgresSubmitter struct {
	dsn        string
	cellsTable string
	rowsTable  string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSubmitter(dsn string) (*PostgresSubmitter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSubmitter{
		dsn:        dsn,
		cellsTable: postgresCellsTableName,
		rowsTable:  postgresRowsTableName,
		openDB:     sql.Open,
	}, nil
}

func (s *PostgresSubmitter) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		cellsQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				dataset_key TEXT NOT NULL,
				row_id TEXT NOT NULL,
				field TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (dataset_key, row_id, field)
			)`, postgresQuoteIdentifier(s.cellsTable))
		if _, err := db.ExecContext(ctx, cellsQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		rowsQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				dataset_key TEXT NOT NULL,
				natural_key TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.rowsTable))
		if _, err := db.ExecContext(ctx, rowsQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresSubmitter) SubmitEdit(ctx context.Context, req SubmitEditRequest) (SubmitResult, error) {
	if req.DatasetID == "" || req.RowID == "" || req.Field == "" {
		return SubmitResult{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return SubmitResult{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	updateQuery := fmt.Sprintf(`
		UPDATE %s SET value = $1, updated_at = NOW()
		WHERE dataset_key = $2 AND row_id = $3 AND field = $4 AND value = $5`,
		postgresQuoteIdentifier(s.cellsTable))
	result, err := s.db.ExecContext(opCtx, updateQuery, req.NewValue, req.DatasetID, req.RowID, req.Field, req.ExpectedOldValue)
	if err != nil {
		return SubmitResult{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SubmitResult{}, err
	}
	if affected > 0 {
		return SubmitResult{OK: true}, nil
	}

	selectQuery := fmt.Sprintf(
		"SELECT value FROM %s WHERE dataset_key = $1 AND row_id = $2 AND field = $3",
		postgresQuoteIdentifier(s.cellsTable))
	var current string
	err = s.db.QueryRowContext(opCtx, selectQuery, req.DatasetID, req.RowID, req.Field).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if req.ExpectedOldValue == "" {
			// First write to a cell the grid has never stored.
			insertQuery := fmt.Sprintf(`
				INSERT INTO %s (dataset_key, row_id, field, value, updated_at)
				VALUES ($1, $2, $3, $4, NOW())
				ON CONFLICT (dataset_key, row_id, field) DO NOTHING`,
				postgresQuoteIdentifier(s.cellsTable))
			inserted, insertErr := s.db.ExecContext(opCtx, insertQuery, req.DatasetID, req.RowID, req.Field, req.NewValue)
			if insertErr != nil {
				return SubmitResult{}, insertErr
			}
			if count, countErr := inserted.RowsAffected(); countErr == nil && count > 0 {
				return SubmitResult{OK: true}, nil
			}
			return SubmitResult{OK: false, Reason: "conflict"}, nil
		}
		return SubmitResult{OK: false, Reason: "not found"}, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{OK: false, Reason: "conflict"}, nil
}

func (s *PostgresSubmitter) InsertRow(ctx context.Context, req InsertRowRequest) (InsertResult, error) {
	if req.DatasetID == "" || len(req.Row) == 0 {
		return InsertResult{}, ErrInvalidInput
	}
	naturalKey := ""
	for _, field := range req.KeyFields {
		if value := strings.TrimSpace(req.Row[field]); value != "" {
			naturalKey = value
			break
		}
	}
	if naturalKey == "" {
		return InsertResult{OK: false, Reason: "no key field populated"}, nil
	}
	if err := s.ensureReady(); err != nil {
		return InsertResult{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return InsertResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rowQuery := fmt.Sprintf(
		"INSERT INTO %s (dataset_key, natural_key, created_at) VALUES ($1, $2, NOW()) RETURNING id",
		postgresQuoteIdentifier(s.rowsTable))
	var rowSeq int64
	if err := tx.QueryRowContext(opCtx, rowQuery, req.DatasetID, naturalKey).Scan(&rowSeq); err != nil {
		return InsertResult{}, err
	}
	rowID := strconv.FormatInt(rowSeq, 10)

	fields := make([]string, 0, len(req.Row))
	for field := range req.Row {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	cellQuery := fmt.Sprintf(
		"INSERT INTO %s (dataset_key, row_id, field, value, updated_at) VALUES ($1, $2, $3, $4, NOW())",
		postgresQuoteIdentifier(s.cellsTable))
	for _, field := range fields {
		if _, err := tx.ExecContext(opCtx, cellQuery, req.DatasetID, rowID, field, req.Row[field]); err != nil {
			return InsertResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, err
	}
	committed = true
	return InsertResult{OK: true, RowID: rowID}, nil
}

func (s *PostgresSubmitter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
