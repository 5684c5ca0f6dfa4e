package txeffects

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// CombinedAccumulatedData is the aggregate of the effects of all
// transactions of a block, in transaction order.
type CombinedAccumulatedData struct {
	TxHashes              []common.Hash `json:"txHashes"`
	NewNullifiers         []Fr          `json:"newNullifiers"`
	EncryptedLogsHashes   []SideEffect  `json:"encryptedLogsHashes"`
	UnencryptedLogsHashes []SideEffect  `json:"unencryptedLogsHashes"`
	EncryptedLogsHash     common.Hash   `json:"encryptedLogsHash"`
	UnencryptedLogsHash   common.Hash   `json:"unencryptedLogsHash"`
	NumPublicCalls        int           `json:"numPublicCalls"`
}

// CombineBlock aggregates the effects of txs. Nonrevertible effects of a
// transaction precede its revertible ones.
func CombineBlock(txs []*Tx) (*CombinedAccumulatedData, error) {
	combined := &CombinedAccumulatedData{
		TxHashes:              make([]common.Hash, 0, len(txs)),
		NewNullifiers:         []Fr{},
		EncryptedLogsHashes:   []SideEffect{},
		UnencryptedLogsHashes: []SideEffect{},
	}
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		h, err := tx.Hash()
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		combined.TxHashes = append(combined.TxHashes, h)

		if rollup := tx.Data.ForRollup; rollup != nil {
			for _, n := range rollup.End.NewNullifiers {
				if !n.IsZero() {
					combined.NewNullifiers = append(combined.NewNullifiers, n)
				}
			}
		} else {
			pub := tx.Data.ForPublic
			for _, phase := range []*AccumulatedData{&pub.EndNonRevertibleData, &pub.End} {
				for _, n := range phase.NewNullifiers {
					if !n.IsEmpty() {
						combined.NewNullifiers = append(combined.NewNullifiers, n.Value)
					}
				}
				combined.EncryptedLogsHashes = appendNonEmpty(combined.EncryptedLogsHashes, phase.EncryptedLogsHashes[:])
				combined.UnencryptedLogsHashes = appendNonEmpty(combined.UnencryptedLogsHashes, phase.UnencryptedLogsHashes[:])
				combined.NumPublicCalls += len(phase.PublicCalls())
			}
		}

		encrypted := tx.EncryptedLogs.Hash()
		unencrypted := tx.UnencryptedLogs.Hash()
		combined.EncryptedLogsHash = keccak256(combined.EncryptedLogsHash[:], encrypted[:])
		combined.UnencryptedLogsHash = keccak256(combined.UnencryptedLogsHash[:], unencrypted[:])
	}
	return combined, nil
}

func appendNonEmpty(dst []SideEffect, src []SideEffect) []SideEffect {
	for _, s := range src {
		if !s.IsEmpty() {
			dst = append(dst, s)
		}
	}
	return dst
}

func hashToFr(h common.Hash) Fr {
	return FrFromBytes(h[:])
}
