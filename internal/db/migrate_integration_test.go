//go:build integration

package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunMigrations starts a throwaway MySQL container, applies the embedded
// migrations twice and checks the seeded process rates.
func TestRunMigrations(t *testing.T) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not connect to docker: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.4",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=secret",
			"MYSQL_DATABASE=planner",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
	})
	if err != nil {
		t.Fatalf("could not start mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:secret@tcp(localhost:%s)/planner", resource.GetPort("3306/tcp"))

	var conn *sql.DB
	if err := pool.Retry(func() error {
		var err error
		conn, err = OpenMySQL(context.Background(), dsn, PoolConfig{})
		return err
	}); err != nil {
		t.Fatalf("could not connect to mysql: %v", err)
	}
	defer conn.Close()

	version, err := RunMigrations(dsn)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	// Second run is a no-op.
	version, err = RunMigrations(dsn)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	var total float64
	require.NoError(t, conn.QueryRow(`SELECT SUM(rate) FROM process_rates`).Scan(&total))
	assert.Equal(t, 100.0, total)
}
