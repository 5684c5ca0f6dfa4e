package txeffects

import "encoding/binary"

// MakePublicCallRequest returns a deterministic public call request derived
// from seed. The side-effect counter grows with the seed.
func MakePublicCallRequest(seed uint64) PublicCallRequest {
	return PublicCallRequest{
		ContractAddress:  NewFr(seed),
		FunctionSelector: uint32(seed + 1),
		CallContext: CallContext{
			MsgSender:              NewFr(seed + 2),
			StorageContractAddress: NewFr(seed),
			SideEffectCounter:      uint32(seed),
		},
		Args: []Fr{NewFr(seed + 0x10), NewFr(seed + 0x11)},
	}
}

// MakeTxLogs returns deterministic logs: numGroups function invocations,
// each emitting logsPerGroup logs.
func MakeTxLogs(seed uint64, numGroups, logsPerGroup int) TxLogs {
	logs := TxLogs{FunctionLogs: make([]FunctionLogs, numGroups)}
	for g := range logs.FunctionLogs {
		fl := FunctionLogs{Logs: make([]Log, logsPerGroup)}
		for i := range fl.Logs {
			data := make([]byte, 24)
			binary.BigEndian.PutUint64(data[0:], seed)
			binary.BigEndian.PutUint64(data[8:], uint64(g))
			binary.BigEndian.PutUint64(data[16:], uint64(i))
			fl.Logs[i] = Log{Data: data}
		}
		logs.FunctionLogs[g] = fl
	}
	return logs
}

// MockTxOptions tweak the transaction built by MockTx.
type MockTxOptions struct {
	HasLogs            bool
	NonRevertibleCount int
	RevertibleCount    int
	PublicCallRequests []PublicCallRequest
}

// MockTx builds a transaction with deterministic content derived from seed.
// With HasLogs, it carries 2 invocations of 3 encrypted logs each and 2
// invocations of 1 unencrypted log each.
func MockTx(seed uint64, opts MockTxOptions) (*Tx, error) {
	params := TxParams{
		Seed:               seed,
		Context:            TxContext{ChainID: NewFr(1), Version: NewFr(1)},
		NonRevertibleCount: opts.NonRevertibleCount,
		RevertibleCount:    opts.RevertibleCount,
		PublicCallRequests: opts.PublicCallRequests,
	}
	if opts.HasLogs {
		params.EncryptedLogs = MakeTxLogs(seed, 2, 3)
		params.UnencryptedLogs = MakeTxLogs(seed+1, 2, 1)
	}
	return Build(params)
}
