// Package mssql registers the "mssql" storage backend on the
// microsoft/go-mssqldb "sqlserver" driver.
//
// SQL Server has no ON CONFLICT clause; conflict-aware writes are rendered as
// MERGE by sqlgen.SQLServer and need no unique index, so this backend never
// reports storage.ErrMissingConstraint.
package mssql

import (
	"context"
	"errors"
	"fmt"

	mssqldb "github.com/microsoft/go-mssqldb"

	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
	"sqlwrap/internal/storage/sqldb"
)

func init() {
	storage.Register("mssql", Open)
}

// Open connects with a sqlserver:// DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	return sqldb.Open(ctx, cfg.DSN, sqldb.Options{
		Driver:   "sqlserver",
		Dialect:  sqlgen.SQLServer{},
		Classify: classify,
		Value:    scanValue,
	})
}

// classify prefixes server errors with their error number so logs show it
// without a type assertion.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se mssqldb.Error
	if errors.As(err, &se) {
		return fmt.Errorf("mssql error %d: %w", se.SQLErrorNumber(), err)
	}
	return err
}

// scanValue renders UNIQUEIDENTIFIER columns in their canonical text form;
// the driver returns them as 16 mixed-endian bytes.
func scanValue(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok || dbType != "UNIQUEIDENTIFIER" || len(b) != 16 {
		return v
	}
	var u mssqldb.UniqueIdentifier
	if err := u.Scan(b); err != nil {
		return v
	}
	return u.String()
}
