package memory

import (
	"context"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rollupkit/orchestrator/storage"
)

func TestStoreBlocks(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Block(ctx, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)

	record := storage.BlockRecord{
		Number:   1,
		TxHashes: []ethCommon.Hash{{0x1}, {0x2}},
		Proof:    []byte("proof"),
	}
	require.NoError(t, s.PublishBlock(ctx, record))
	require.ErrorIs(t, s.PublishBlock(ctx, record), storage.ErrBlockExists)

	// Stored records do not alias the caller's slices.
	record.Proof[0] = 'X'

	got, err := s.Block(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("proof"), got.Proof)
	require.Equal(t, record.TxHashes, got.TxHashes)
	require.False(t, got.PublishedAt.IsZero())
}

func TestStoreJobOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordJob(ctx, storage.JobOutcome{
			JobID:   uuid.New(),
			Kind:    "base-rollup",
			Block:   5,
			Attempt: i,
			Status:  "failed",
		}))
	}
	require.NoError(t, s.RecordJob(ctx, storage.JobOutcome{JobID: uuid.New(), Block: 6}))

	outcomes, err := s.JobOutcomes(ctx, 5)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	require.Equal(t, 3, outcomes[2].Attempt)

	outcomes, err = s.JobOutcomes(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, outcomes)
}
