package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/akrylysov/pogreb"
	"github.com/stretchr/testify/require"

	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
)

type record struct {
	Name  string
	Proof []byte
}

func TestTypedRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	m := metrics.NewDefaultStorageMetrics("kvstore_test")

	store, err := Open(log.NewDefaultLogger("test"), path, &m)
	require.NoError(t, err)

	var out record
	require.ErrorIs(t, GetTyped(store, []byte("k"), &out), ErrNoSuchKey)

	in := record{Name: "base-rollup", Proof: []byte{1, 2, 3}}
	require.NoError(t, PutTyped(store, []byte("k"), &in))
	require.NoError(t, store.Close())

	store, err = Open(log.NewDefaultLogger("test"), path, &m)
	require.NoError(t, err)
	defer store.Close()
	require.EqualValues(t, 1, store.Count())
	require.NoError(t, GetTyped(store, []byte("k"), &out))
	require.Equal(t, in, out)
}

func TestGetTypedBadValue(t *testing.T) {
	store, err := Open(log.NewDefaultLogger("test"), filepath.Join(t.TempDir(), "store"), nil)
	require.NoError(t, err)
	defer store.Close()

	// Not snappy-compressed.
	require.NoError(t, store.Put([]byte("k"), []byte{0xff, 0xff, 0xff}))
	var out record
	err = GetTyped(store, []byte("k"), &out)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoSuchKey)
}

func TestUninitializedStore(t *testing.T) {
	s := &pogrebKVStore{logger: log.NewDefaultLogger("test"), path: t.TempDir()}
	has, err := s.Has([]byte("k"))
	require.NoError(t, err)
	require.False(t, has)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	_, err = s.Get([]byte("k"))
	require.Error(t, err)
	require.Zero(t, s.Count())
	require.NoError(t, s.Close())
}

func TestCleanBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	db, err := pogreb.Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stale := filepath.Join(path, "main.pix.bac.bac")
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	store, err := Open(log.NewDefaultLogger("test"), path, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoFileExists(t, stale)
}
