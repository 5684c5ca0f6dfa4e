package txeffects

import "github.com/ethereum/go-ethereum/common"

// Log is a single log emitted by a function.
type Log struct {
	Data []byte `json:"data"`
}

// FunctionLogs are the logs emitted by one function invocation.
type FunctionLogs struct {
	Logs []Log `json:"logs"`
}

// Hash hashes the concatenation of the hashes of all logs. An invocation
// without logs hashes to zero.
func (f FunctionLogs) Hash() common.Hash {
	if len(f.Logs) == 0 {
		return common.Hash{}
	}
	parts := make([][]byte, 0, len(f.Logs))
	for _, l := range f.Logs {
		h := keccak256(l.Data)
		parts = append(parts, h[:])
	}
	return keccak256(parts...)
}

// TxLogs are the logs emitted by a transaction, grouped per function invocation.
// The same shape carries encrypted and unencrypted logs.
type TxLogs struct {
	FunctionLogs []FunctionLogs `json:"functionLogs"`
}

// Hash folds the per-function hashes in invocation order.
func (t TxLogs) Hash() common.Hash {
	var acc common.Hash
	for _, f := range t.FunctionLogs {
		fh := f.Hash()
		acc = keccak256(acc[:], fh[:])
	}
	return acc
}

// NumLogs returns the total number of logs.
func (t TxLogs) NumLogs() int {
	n := 0
	for _, f := range t.FunctionLogs {
		n += len(f.Logs)
	}
	return n
}
