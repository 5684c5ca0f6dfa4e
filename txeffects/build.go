package txeffects

import (
	"fmt"
	"slices"
)

// TxParams describe the effects of a transaction to be assembled by Build.
type TxParams struct {
	// Seed derives the first nullifier and, when no requests are supplied,
	// the public call requests.
	Seed    uint64
	Context TxContext
	// FirstNullifier overrides the nullifier synthesized from Seed.
	FirstNullifier  *Nullifier
	EncryptedLogs   TxLogs
	UnencryptedLogs TxLogs

	NonRevertibleCount int
	RevertibleCount    int
	// PublicCallRequests, if set, must hold exactly
	// NonRevertibleCount+RevertibleCount requests, in any order.
	PublicCallRequests []PublicCallRequest
}

// Build assembles the kernel outputs of a transaction. Transactions without
// public call requests get the forRollup variant; all others get the
// forPublic variant with both phases padded to their fixed widths.
func Build(p TxParams) (*Tx, error) {
	n0, n1 := p.NonRevertibleCount, p.RevertibleCount
	if n0 < 0 || n1 < 0 {
		return nil, fmt.Errorf("%w: negative call request count (%d, %d)", ErrShapeMismatch, n0, n1)
	}
	total := n0 + n1
	if len(p.PublicCallRequests) != 0 && len(p.PublicCallRequests) != total {
		return nil, fmt.Errorf("%w: expected %d public call requests, got %d", ErrShapeMismatch, total, len(p.PublicCallRequests))
	}
	if n0 > MaxPublicCallStackLengthPerTx || n1 > MaxPublicCallStackLengthPerTx {
		return nil, fmt.Errorf("%w: call stack holds at most %d requests, got (%d, %d)", ErrShapeMismatch, MaxPublicCallStackLengthPerTx, n0, n1)
	}
	if n := len(p.EncryptedLogs.FunctionLogs); n > MaxEncryptedLogsPerTx {
		return nil, fmt.Errorf("%w: %d encrypted log groups exceed %d", ErrShapeMismatch, n, MaxEncryptedLogsPerTx)
	}
	if n := len(p.UnencryptedLogs.FunctionLogs); n > MaxUnencryptedLogsPerTx {
		return nil, fmt.Errorf("%w: %d unencrypted log groups exceed %d", ErrShapeMismatch, n, MaxUnencryptedLogsPerTx)
	}

	first := Nullifier{Value: NewFr(p.Seed + 1)}
	if p.FirstNullifier != nil {
		first = *p.FirstNullifier
	}

	tx := &Tx{
		Data:            KernelPublicInputs{Constants: p.Context},
		Proof:           Proof{},
		EncryptedLogs:   p.EncryptedLogs,
		UnencryptedLogs: p.UnencryptedLogs,
	}

	if total == 0 {
		end := CombinedEnd{
			EncryptedLogsHash:   hashToFr(p.EncryptedLogs.Hash()),
			UnencryptedLogsHash: hashToFr(p.UnencryptedLogs.Hash()),
		}
		end.NewNullifiers[0] = first.Value
		tx.Data.ForRollup = &ForRollupInputs{End: end}
		return tx, nil
	}

	requests := slices.Clone(p.PublicCallRequests)
	if len(requests) == 0 {
		requests = make([]PublicCallRequest, total)
		for i := range requests {
			requests[i] = MakePublicCallRequest(p.Seed + 0x100 + uint64(i))
		}
	}
	slices.SortStableFunc(requests, func(a, b PublicCallRequest) int {
		// Descending by side-effect counter.
		switch {
		case a.CallContext.SideEffectCounter > b.CallContext.SideEffectCounter:
			return -1
		case a.CallContext.SideEffectCounter < b.CallContext.SideEffectCounter:
			return 1
		}
		return 0
	})

	pub := &ForPublicInputs{}
	pub.EndNonRevertibleData.NewNullifiers[0] = first
	for i := 0; i < n0; i++ {
		cr, err := requests[n1+i].ToCallRequest()
		if err != nil {
			return nil, err
		}
		pub.EndNonRevertibleData.PublicCallStack[i] = cr
	}
	for i := 0; i < n1; i++ {
		cr, err := requests[i].ToCallRequest()
		if err != nil {
			return nil, err
		}
		pub.End.PublicCallStack[i] = cr
	}

	// Counter 0 belongs to the first nullifier.
	counter := first.Counter + 1
	for j, fl := range p.EncryptedLogs.FunctionLogs {
		pub.End.EncryptedLogsHashes[j] = SideEffect{Value: hashToFr(fl.Hash()), Counter: counter}
		counter++
	}
	for j, fl := range p.UnencryptedLogs.FunctionLogs {
		pub.End.UnencryptedLogsHashes[j] = SideEffect{Value: hashToFr(fl.Hash()), Counter: counter}
		counter++
	}

	tx.Data.ForPublic = pub
	tx.PublicCallRequests = requests
	return tx, nil
}
