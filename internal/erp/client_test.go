package erp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T, cfg Config) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = conn.Close()
	})
	return New(conn, cfg, nil), mock
}

func TestClient_NotConfigured(t *testing.T) {
	c := New(nil, Config{}, nil)
	assert.False(t, c.Configured())

	_, err := c.ListLines(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(c.Ping(context.Background()), ErrUnavailable))
}

func TestClient_StyleSteps(t *testing.T) {
	c, mock := newMockClient(t, Config{})

	mock.ExpectQuery("FROM dbo.StyleOperations").
		WithArgs("ST-100").
		WillReturnRows(sqlmock.NewRows([]string{"Seq", "OperationName", "MachineType", "SAM", "Operators"}).
			AddRow(int64(10), "Attach collar ", "SNLS", 0.42, int64(1)).
			AddRow(int64(20), "Overlock side seam", " OL ", 0.35, int64(2)))

	steps, err := c.StyleSteps(context.Background(), " ST-100 ")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Attach collar", steps[0].Name)
	assert.Equal(t, "OL", steps[1].MachineType)
	assert.Equal(t, 10, steps[0].Seq)
	assert.Equal(t, 2, steps[1].Operators)
}

func TestClient_SearchStyles_LimitsAndEscapes(t *testing.T) {
	c, mock := newMockClient(t, Config{})

	mock.ExpectQuery("SELECT TOP \\(@p1\\) StyleCode").
		WithArgs(int64(maxStyleLimit), `%50\%\_cotton%`).
		WillReturnRows(sqlmock.NewRows([]string{"StyleCode", "StyleName", "CustomerName"}).
			AddRow("ST-100 ", "Polo", "Acme"))

	styles, err := c.SearchStyles(context.Background(), "50%_cotton", 1000)
	require.NoError(t, err)
	require.Len(t, styles, 1)
	assert.Equal(t, "ST-100", styles[0].Code)
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	c, mock := newMockClient(t, Config{BreakerFailures: 2, BreakerTimeout: time.Hour})

	mock.ExpectQuery("FROM dbo.ProductionLines").WillReturnError(errors.New("login timeout"))
	mock.ExpectQuery("FROM dbo.ProductionLines").WillReturnError(errors.New("login timeout"))

	for i := 0; i < 2; i++ {
		_, err := c.ListLines(context.Background())
		assert.True(t, errors.Is(err, ErrUnavailable))
	}

	// Third call fails fast without touching the database.
	_, err := c.ListLines(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, StateOpen, c.Breaker().State())
}

func TestClient_CancelledCallsLeaveBreakerClosed(t *testing.T) {
	c, mock := newMockClient(t, Config{BreakerFailures: 2, BreakerTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := c.SearchStyles(ctx, "polo", 10)
		assert.True(t, errors.Is(err, context.Canceled))
	}
	assert.Equal(t, StateClosed, c.Breaker().State())

	mock.ExpectQuery("SELECT TOP \\(@p1\\) StyleCode").
		WithArgs(int64(10), "%polo%").
		WillReturnRows(sqlmock.NewRows([]string{"StyleCode", "StyleName", "CustomerName"}).
			AddRow("ST-100", "Polo", "Acme"))

	styles, err := c.SearchStyles(context.Background(), "polo", 10)
	require.NoError(t, err)
	assert.Len(t, styles, 1)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\[d\\`, escapeLike(`a%b_c[d\`))
}
