package postgres_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/storage"
	"github.com/rollupkit/orchestrator/storage/postgres"
	"github.com/rollupkit/orchestrator/storage/postgres/testutil"
)

const migrations = "file://../migrations"

func TestInvalidConnect(t *testing.T) {
	_, err := postgres.NewClient("an invalid connstring", log.NewDefaultLogger("postgres-test"))
	require.NotNil(t, err)
}

func TestQuery(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()

	rows, err := client.Query(context.Background(), `
		SELECT * FROM ( VALUES (0),(1),(2) ) AS q;
	`)
	require.Nil(t, err)
	defer rows.Close()

	i := 0
	for rows.Next() {
		var result int
		require.Nil(t, rows.Scan(&result))
		require.Equal(t, i, result)
		i++
	}
	require.Equal(t, 3, i)
}

func TestInvalidQueryRow(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()

	var result int
	err := client.QueryRow(context.Background(), `
		an invalid query
	`).Scan(&result)
	require.NotNil(t, err)
}

func TestSendBatch(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()
	ctx := context.Background()

	defer func() {
		destroy := &storage.QueryBatch{}
		destroy.Queue(`DROP TABLE films;`)
		require.Nil(t, client.SendBatch(ctx, destroy))
	}()

	create := &storage.QueryBatch{}
	create.Queue(`
		CREATE TABLE films (
			fid  INTEGER PRIMARY KEY,
			name TEXT
		);
	`)
	require.Nil(t, client.SendBatch(ctx, create))

	films := []string{"Gone with the Wind", "Avatar", "Titanic"}
	rows := make([]string, 0, len(films))
	for i, film := range films {
		rows = append(rows, fmt.Sprintf("(%d, '%s')", i, film))
	}
	insert := &storage.QueryBatch{}
	insert.Queue(fmt.Sprintf(`INSERT INTO films (fid, name) VALUES %s;`, strings.Join(rows, ", ")))
	require.Nil(t, client.SendBatch(ctx, insert))

	// A failing query rolls back the whole batch.
	partial := &storage.QueryBatch{}
	partial.Queue(`INSERT INTO films (fid, name) VALUES (100, 'Alien');`)
	partial.Queue(`INSERT INTO films (fid, name) VALUES (0, 'duplicate');`)
	err := client.SendBatch(ctx, partial)
	require.ErrorContains(t, err, "query 1")

	var count int
	require.NoError(t, client.QueryRow(ctx, `SELECT COUNT(*) FROM films`).Scan(&count))
	require.Equal(t, len(films), count)
}

func TestProofStore(t *testing.T) {
	client := testutil.NewMigratedClient(t, migrations)
	store := postgres.NewProofStore(client)
	defer store.Close()
	ctx := context.Background()

	_, err := store.Block(ctx, 7)
	require.ErrorIs(t, err, storage.ErrNotFound)

	block := storage.BlockRecord{
		Number:              7,
		TxHashes:            []ethCommon.Hash{ethCommon.HexToHash("0x01"), ethCommon.HexToHash("0xff")},
		NumPublicCalls:      2,
		EncryptedLogsHash:   ethCommon.HexToHash("0xaa"),
		UnencryptedLogsHash: ethCommon.HexToHash("0xbb"),
		CombinedData:        []byte{0xa0},
		Proof:               []byte{},
		PublishedAt:         time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, store.PublishBlock(ctx, block))
	require.ErrorIs(t, store.PublishBlock(ctx, block), storage.ErrBlockExists)

	got, err := store.Block(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, block.TxHashes, got.TxHashes)
	require.Equal(t, block.EncryptedLogsHash, got.EncryptedLogsHash)
	require.Equal(t, block.UnencryptedLogsHash, got.UnencryptedLogsHash)
	require.Equal(t, block.NumPublicCalls, got.NumPublicCalls)
	require.True(t, block.PublishedAt.Equal(got.PublishedAt))

	first := storage.JobOutcome{
		JobID:      uuid.New(),
		Kind:       "base-rollup",
		Block:      7,
		Attempt:    0,
		Status:     "failed",
		Reason:     "bb exited with code 1",
		Duration:   1500 * time.Millisecond,
		ResolvedAt: time.Unix(1700000000, 0).UTC(),
	}
	second := first
	second.JobID = uuid.New()
	second.Attempt = 1
	second.Status = "success"
	second.Reason = ""
	second.ResolvedAt = first.ResolvedAt.Add(time.Second)
	require.NoError(t, store.RecordJob(ctx, second))
	require.NoError(t, store.RecordJob(ctx, first))

	outcomes, err := store.JobOutcomes(ctx, 7)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, first.JobID, outcomes[0].JobID)
	require.Equal(t, first.Reason, outcomes[0].Reason)
	require.Equal(t, first.Duration, outcomes[0].Duration)
	require.Equal(t, second.JobID, outcomes[1].JobID)
	require.Empty(t, outcomes[1].Reason)
}
