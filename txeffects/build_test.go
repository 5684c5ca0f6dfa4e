package txeffects

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPrivateOnly(t *testing.T) {
	tx, err := MockTx(7, MockTxOptions{HasLogs: true})
	require.NoError(t, err)

	require.NotNil(t, tx.Data.ForRollup)
	require.Nil(t, tx.Data.ForPublic)
	require.False(t, tx.IsForPublic())
	require.Empty(t, tx.PublicCallRequests)
	require.Equal(t, NewFr(8), tx.Data.ForRollup.End.NewNullifiers[0])
	for _, n := range tx.Data.ForRollup.End.NewNullifiers[1:] {
		require.True(t, n.IsZero())
	}
	require.Equal(t, hashToFr(tx.EncryptedLogs.Hash()), tx.Data.ForRollup.End.EncryptedLogsHash)
	require.Equal(t, hashToFr(tx.UnencryptedLogs.Hash()), tx.Data.ForRollup.End.UnencryptedLogsHash)
	require.True(t, tx.Proof.IsEmpty())
	require.NoError(t, tx.Validate())
}

func TestBuildForPublic(t *testing.T) {
	tx, err := MockTx(1, MockTxOptions{NonRevertibleCount: 3, RevertibleCount: 2})
	require.NoError(t, err)

	require.Nil(t, tx.Data.ForRollup)
	require.NotNil(t, tx.Data.ForPublic)
	pub := tx.Data.ForPublic
	require.Len(t, pub.EndNonRevertibleData.PublicCalls(), 3)
	require.Len(t, pub.End.PublicCalls(), 2)
	require.Len(t, tx.NonRevertibleCalls(), 3)
	require.Len(t, tx.RevertibleCalls(), 2)
	require.Len(t, tx.PublicCallRequests, 5)

	// Stacks are padded with the empty sentinel.
	require.Len(t, pub.EndNonRevertibleData.PublicCallStack, MaxPublicCallStackLengthPerTx)
	for i := 3; i < MaxPublicCallStackLengthPerTx; i++ {
		require.True(t, pub.EndNonRevertibleData.PublicCallStack[i].IsEmpty(), "slot %d", i)
	}
	for i := 2; i < MaxPublicCallStackLengthPerTx; i++ {
		require.True(t, pub.End.PublicCallStack[i].IsEmpty(), "slot %d", i)
	}
	require.NoError(t, tx.Validate())
}

func TestBuildSortsRequests(t *testing.T) {
	requests := []PublicCallRequest{
		MakePublicCallRequest(10),
		MakePublicCallRequest(40),
		MakePublicCallRequest(20),
		MakePublicCallRequest(30),
	}
	tx, err := Build(TxParams{
		Seed:               1,
		NonRevertibleCount: 2,
		RevertibleCount:    2,
		PublicCallRequests: requests,
	})
	require.NoError(t, err)

	counters := []uint32{}
	for _, r := range tx.PublicCallRequests {
		counters = append(counters, r.CallContext.SideEffectCounter)
	}
	require.Equal(t, []uint32{40, 30, 20, 10}, counters)
	// The caller's slice is left untouched.
	require.Equal(t, uint32(10), requests[0].CallContext.SideEffectCounter)

	pub := tx.Data.ForPublic
	for i := 0; i < 2; i++ {
		nonRevertible, err := tx.PublicCallRequests[2+i].ToCallRequest()
		require.NoError(t, err)
		require.Equal(t, nonRevertible, pub.EndNonRevertibleData.PublicCallStack[i])
		revertible, err := tx.PublicCallRequests[i].ToCallRequest()
		require.NoError(t, err)
		require.Equal(t, revertible, pub.End.PublicCallStack[i])
	}
	require.Equal(t, uint32(20), pub.EndNonRevertibleData.PublicCallStack[0].StartSideEffectCounter)
	require.Equal(t, uint32(40), pub.End.PublicCallStack[0].StartSideEffectCounter)
}

func TestBuildShapeMismatch(t *testing.T) {
	_, err := Build(TxParams{
		NonRevertibleCount: 2,
		RevertibleCount:    2,
		PublicCallRequests: []PublicCallRequest{MakePublicCallRequest(1)},
	})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Build(TxParams{PublicCallRequests: []PublicCallRequest{MakePublicCallRequest(1)}})
	require.ErrorIs(t, err, ErrShapeMismatch, "requests without counts")

	_, err = Build(TxParams{NonRevertibleCount: MaxPublicCallStackLengthPerTx + 1})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Build(TxParams{RevertibleCount: -1})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Build(TxParams{EncryptedLogs: MakeTxLogs(1, MaxEncryptedLogsPerTx+1, 1)})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFirstNullifierAndLogCounters(t *testing.T) {
	tx, err := MockTx(5, MockTxOptions{HasLogs: true, NonRevertibleCount: 1, RevertibleCount: 1})
	require.NoError(t, err)
	pub := tx.Data.ForPublic

	first := pub.EndNonRevertibleData.NewNullifiers[0]
	require.Equal(t, Nullifier{Value: NewFr(6)}, first)

	counters := map[uint32]struct{}{}
	expected := uint32(1)
	for _, hashes := range [][]SideEffect{pub.End.EncryptedLogsHashes[:], pub.End.UnencryptedLogsHashes[:]} {
		for _, se := range hashes {
			if se.IsEmpty() {
				continue
			}
			require.Equal(t, expected, se.Counter)
			require.NotEqual(t, first.Counter, se.Counter)
			counters[se.Counter] = struct{}{}
			expected++
		}
	}
	// 2 encrypted groups followed by 2 unencrypted groups.
	require.Len(t, counters, 4)
	require.Equal(t, hashToFr(tx.EncryptedLogs.FunctionLogs[1].Hash()), pub.End.EncryptedLogsHashes[1].Value)
}

func TestExplicitFirstNullifier(t *testing.T) {
	tx, err := Build(TxParams{
		FirstNullifier:     &Nullifier{Value: NewFr(99), Counter: 4},
		EncryptedLogs:      MakeTxLogs(1, 1, 1),
		NonRevertibleCount: 1,
	})
	require.NoError(t, err)
	require.Equal(t, NewFr(99), tx.Data.ForPublic.EndNonRevertibleData.NewNullifiers[0].Value)
	require.Equal(t, uint32(5), tx.Data.ForPublic.End.EncryptedLogsHashes[0].Counter)
}

func TestTxHash(t *testing.T) {
	a, err := MockTx(1, MockTxOptions{NonRevertibleCount: 1})
	require.NoError(t, err)
	b, err := MockTx(1, MockTxOptions{NonRevertibleCount: 1})
	require.NoError(t, err)
	c, err := MockTx(2, MockTxOptions{NonRevertibleCount: 1})
	require.NoError(t, err)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	hc, err := c.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.NotEqual(t, ha, hc)

	// Attaching a proof does not change the identity.
	a.AttachProof(Proof{1, 2, 3})
	ha2, err := a.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, ha2)
}

func TestValidateVariants(t *testing.T) {
	k := KernelPublicInputs{}
	require.ErrorIs(t, k.Validate(), ErrShapeMismatch)

	k = KernelPublicInputs{ForRollup: &ForRollupInputs{}, ForPublic: &ForPublicInputs{}}
	require.ErrorIs(t, k.Validate(), ErrShapeMismatch)

	k = KernelPublicInputs{ForPublic: &ForPublicInputs{}}
	k.ForPublic.End.PublicCallStack[3] = CallRequest{Hash: NewFr(1)}
	require.ErrorIs(t, k.Validate(), ErrShapeMismatch, "gap in the call stack")
}

func TestFrEncoding(t *testing.T) {
	f := NewFr(0xabcdef)
	text, err := f.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000abcdef", string(text))

	var g Fr
	require.NoError(t, json.Unmarshal([]byte(`"0xabcdef"`), &g))
	require.True(t, f.Equal(g))

	// Values are reduced into the field.
	overflow := make([]byte, 32)
	for i := range overflow {
		overflow[i] = 0xff
	}
	reduced := FrFromBytes(overflow)
	b, err := reduced.MarshalBinary()
	require.NoError(t, err)
	var back Fr
	require.NoError(t, back.UnmarshalBinary(b))
	require.True(t, reduced.Equal(back))
	require.Error(t, back.UnmarshalBinary(overflow))
}
