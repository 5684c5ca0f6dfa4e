// Package txeffects implements the transaction effects data model: the
// fixed-shape kernel outputs of a transaction, split into nonrevertible and
// revertible phases, and their aggregation into a block.
package txeffects

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrShapeMismatch is returned when transaction effect counts do not match
// the data supplied, or do not fit the fixed circuit widths.
var ErrShapeMismatch = errors.New("txeffects: shape mismatch")

// Proof is an opaque proof blob. An empty proof is valid before proving and
// in stub mode.
type Proof []byte

// IsEmpty reports whether p carries no data.
func (p Proof) IsEmpty() bool {
	return len(p) == 0
}

// Tx is a transaction as produced by the private kernel.
type Tx struct {
	Data            KernelPublicInputs  `json:"data"`
	Proof           Proof               `json:"proof"`
	EncryptedLogs   TxLogs              `json:"encryptedLogs"`
	UnencryptedLogs TxLogs              `json:"unencryptedLogs"`
	// PublicCallRequests are ordered by descending side-effect counter.
	PublicCallRequests []PublicCallRequest `json:"publicCallRequests"`
}

// Hash returns the identity of the transaction: the hash of its kernel
// public inputs.
func (tx *Tx) Hash() (common.Hash, error) {
	h, err := hashEncoded(&tx.Data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hashing kernel public inputs: %w", err)
	}
	return h, nil
}

// AttachProof sets the kernel proof of the transaction.
func (tx *Tx) AttachProof(p Proof) {
	tx.Proof = append(Proof{}, p...)
}

// IsForPublic reports whether the transaction still has public functions to run.
func (tx *Tx) IsForPublic() bool {
	return tx.Data.ForPublic != nil
}

// NonRevertibleCalls returns the public call requests of the nonrevertible phase.
func (tx *Tx) NonRevertibleCalls() []PublicCallRequest {
	if !tx.IsForPublic() {
		return nil
	}
	n0 := len(tx.Data.ForPublic.EndNonRevertibleData.PublicCalls())
	n1 := len(tx.Data.ForPublic.End.PublicCalls())
	return tx.PublicCallRequests[n1 : n1+n0]
}

// RevertibleCalls returns the public call requests of the revertible phase.
func (tx *Tx) RevertibleCalls() []PublicCallRequest {
	if !tx.IsForPublic() {
		return nil
	}
	n1 := len(tx.Data.ForPublic.End.PublicCalls())
	return tx.PublicCallRequests[:n1]
}

// Validate checks the structural invariants of the transaction.
func (tx *Tx) Validate() error {
	if err := tx.Data.Validate(); err != nil {
		return err
	}
	if !tx.IsForPublic() {
		if len(tx.PublicCallRequests) != 0 {
			return fmt.Errorf("%w: private-only tx carries %d public call requests", ErrShapeMismatch, len(tx.PublicCallRequests))
		}
		return nil
	}
	n0 := len(tx.Data.ForPublic.EndNonRevertibleData.PublicCalls())
	n1 := len(tx.Data.ForPublic.End.PublicCalls())
	if n0+n1 != len(tx.PublicCallRequests) {
		return fmt.Errorf("%w: call stacks hold %d requests, tx carries %d", ErrShapeMismatch, n0+n1, len(tx.PublicCallRequests))
	}
	return nil
}

// CombinedEnd folds the kernel outputs into the end state the base rollup
// consumes. Nullifiers of both phases are packed, nonrevertible first.
func (tx *Tx) CombinedEnd() (CombinedEnd, error) {
	if !tx.IsForPublic() {
		return tx.Data.ForRollup.End, nil
	}
	end := CombinedEnd{
		EncryptedLogsHash:   hashToFr(tx.EncryptedLogs.Hash()),
		UnencryptedLogsHash: hashToFr(tx.UnencryptedLogs.Hash()),
	}
	n := 0
	pub := tx.Data.ForPublic
	for _, phase := range []*AccumulatedData{&pub.EndNonRevertibleData, &pub.End} {
		for _, nullifier := range phase.NewNullifiers {
			if nullifier.IsEmpty() {
				continue
			}
			if n == len(end.NewNullifiers) {
				return CombinedEnd{}, fmt.Errorf("%w: more than %d nullifiers", ErrShapeMismatch, len(end.NewNullifiers))
			}
			end.NewNullifiers[n] = nullifier.Value
			n++
		}
	}
	return end, nil
}
