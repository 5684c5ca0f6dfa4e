package txeffects

import "fmt"

const (
	// MaxPublicCallStackLengthPerTx is the fixed width of a public call stack.
	MaxPublicCallStackLengthPerTx = 32
	// MaxNewNullifiersPerTx is the fixed width of a nullifier array.
	MaxNewNullifiersPerTx = 64
	// MaxEncryptedLogsPerTx is the number of encrypted log groups a tx may emit.
	MaxEncryptedLogsPerTx = 8
	// MaxUnencryptedLogsPerTx is the number of unencrypted log groups a tx may emit.
	MaxUnencryptedLogsPerTx = 8
)

// TxContext holds data constant across the whole transaction.
type TxContext struct {
	ChainID Fr `json:"chainId"`
	Version Fr `json:"version"`
}

// CombinedEnd is the end state of a private-only transaction, with logs
// already folded into a single hash per kind.
type CombinedEnd struct {
	NewNullifiers       [MaxNewNullifiersPerTx]Fr `json:"newNullifiers"`
	EncryptedLogsHash   Fr                        `json:"encryptedLogsHash"`
	UnencryptedLogsHash Fr                        `json:"unencryptedLogsHash"`
}

// ForRollupInputs are the kernel outputs of a transaction that is ready for
// the base rollup.
type ForRollupInputs struct {
	End CombinedEnd `json:"end"`
}

// AccumulatedData is the side-effect state of a single phase.
type AccumulatedData struct {
	NewNullifiers         [MaxNewNullifiersPerTx]Nullifier           `json:"newNullifiers"`
	EncryptedLogsHashes   [MaxEncryptedLogsPerTx]SideEffect          `json:"encryptedLogsHashes"`
	UnencryptedLogsHashes [MaxUnencryptedLogsPerTx]SideEffect        `json:"unencryptedLogsHashes"`
	PublicCallStack       [MaxPublicCallStackLengthPerTx]CallRequest `json:"publicCallStack"`
}

// PublicCalls returns the non-empty prefix of the public call stack.
func (a *AccumulatedData) PublicCalls() []CallRequest {
	n := 0
	for n < len(a.PublicCallStack) && !a.PublicCallStack[n].IsEmpty() {
		n++
	}
	return a.PublicCallStack[:n]
}

// ForPublicInputs are the kernel outputs of a transaction that still has
// public functions to execute.
type ForPublicInputs struct {
	// EndNonRevertibleData persists even if public execution reverts.
	EndNonRevertibleData AccumulatedData `json:"endNonRevertibleData"`
	// End is discarded if public execution reverts.
	End AccumulatedData `json:"end"`
}

// KernelPublicInputs are the public outputs of the private kernel tail.
// Exactly one of ForRollup and ForPublic is set.
type KernelPublicInputs struct {
	Constants TxContext        `json:"constants"`
	ForRollup *ForRollupInputs `json:"forRollup,omitempty"`
	ForPublic *ForPublicInputs `json:"forPublic,omitempty"`
}

// Validate checks that exactly one variant is populated and that public call
// stacks are packed (no request after an empty entry).
func (k *KernelPublicInputs) Validate() error {
	switch {
	case k.ForRollup == nil && k.ForPublic == nil:
		return fmt.Errorf("%w: neither forRollup nor forPublic set", ErrShapeMismatch)
	case k.ForRollup != nil && k.ForPublic != nil:
		return fmt.Errorf("%w: both forRollup and forPublic set", ErrShapeMismatch)
	case k.ForPublic != nil:
		for phase, data := range map[string]*AccumulatedData{
			"nonrevertible": &k.ForPublic.EndNonRevertibleData,
			"revertible":    &k.ForPublic.End,
		} {
			n := len(data.PublicCalls())
			for i := n; i < MaxPublicCallStackLengthPerTx; i++ {
				if !data.PublicCallStack[i].IsEmpty() {
					return fmt.Errorf("%w: %s call stack has a request at %d after an empty entry", ErrShapeMismatch, phase, i)
				}
			}
		}
	}
	return nil
}
