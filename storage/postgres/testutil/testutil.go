package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/storage/postgres"
)

// ConnString returns the connection string of the CI database, skipping the
// test if none is configured.
func ConnString(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	connString := os.Getenv("CI_TEST_CONN_STRING")
	if connString == "" {
		t.Skip("CI_TEST_CONN_STRING not set")
	}
	return connString
}

// NewTestClient returns a postgres client used in CI tests.
func NewTestClient(t *testing.T) *postgres.Client {
	connString := ConnString(t)
	logger, err := log.NewLogger("postgres-test", os.Stdout, log.FmtJSON, log.LevelError)
	require.Nil(t, err, "log.NewLogger")

	client, err := postgres.NewClient(connString, logger)
	require.Nil(t, err, "postgres.NewClient")
	return client
}

// NewMigratedClient returns a client over a freshly wiped and migrated
// database.
func NewMigratedClient(t *testing.T, migrations string) *postgres.Client {
	client := NewTestClient(t)
	require.NoError(t, client.Wipe(context.Background()), "wipe")
	require.NoError(t, postgres.Migrate(migrations, ConnString(t), log.NewDefaultLogger("migrate-test")), "migrate")
	return client
}
