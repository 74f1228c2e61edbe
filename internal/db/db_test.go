package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMySQL_Empty(t *testing.T) {
	_, err := OpenMySQL(context.Background(), "", PoolConfig{})
	assert.Error(t, err)
}

func TestOpenMSSQL_Empty(t *testing.T) {
	_, err := OpenMSSQL(context.Background(), "", PoolConfig{})
	assert.Error(t, err)
}

func TestOpenMySQL_BadDSN(t *testing.T) {
	// Non-empty but unreachable: must fail fast without panicking.
	_, err := OpenMySQL(context.Background(), "bad:bad@tcp(127.0.0.1:1)/nope", PoolConfig{})
	assert.Error(t, err)
}

func TestNormaliseMySQLDSN(t *testing.T) {
	out, err := normaliseMySQLDSN("planner:secret@tcp(db:3306)/planner", true)
	require.NoError(t, err)
	assert.Contains(t, out, "parseTime=true")
	assert.Contains(t, out, "multiStatements=true")

	_, err = normaliseMySQLDSN("not a dsn", false)
	assert.Error(t, err)
}

func TestOpenAll_MainRequired(t *testing.T) {
	_, err := OpenAll(context.Background(), DSNs{}, PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main")
}

func TestPools_CloseNil(t *testing.T) {
	p := &Pools{}
	assert.NoError(t, p.Close())
}

func TestMySQLErrorClassification(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.True(t, IsDuplicate(fmt.Errorf("insert plan: %w", dup)))
	assert.False(t, IsReferenced(dup))

	assert.True(t, IsReferenced(&mysql.MySQLError{Number: 1451}))
	assert.True(t, IsMissingReference(&mysql.MySQLError{Number: 1452}))
	assert.False(t, IsDuplicate(errors.New("boom")))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
	assert.Equal(t, []any{int64(4), int64(9)}, Int64Args([]int64{4, 9}))
}

func TestWithTx(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE plans").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = WithTx(context.Background(), conn, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE plans SET note = ''")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = WithTx(context.Background(), conn, func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}
