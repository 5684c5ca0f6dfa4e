package txeffects

import "fmt"

// SideEffect is a counter-tagged value, e.g. the hash of one function's logs.
type SideEffect struct {
	Value   Fr     `json:"value"`
	Counter uint32 `json:"counter"`
}

// IsEmpty reports whether s is the empty sentinel.
func (s SideEffect) IsEmpty() bool {
	return s == SideEffect{}
}

// Nullifier marks a piece of state as spent.
type Nullifier struct {
	Value    Fr     `json:"value"`
	Counter  uint32 `json:"counter"`
	NoteHash Fr     `json:"noteHash"`
}

// IsEmpty reports whether n is the empty sentinel.
func (n Nullifier) IsEmpty() bool {
	return n == Nullifier{}
}

// CallContext is the context a public function is invoked with.
type CallContext struct {
	MsgSender              Fr     `json:"msgSender"`
	StorageContractAddress Fr     `json:"storageContractAddress"`
	SideEffectCounter      uint32 `json:"sideEffectCounter"`
	IsStaticCall           bool   `json:"isStaticCall"`
}

// PublicCallRequest is a request to execute one public function.
type PublicCallRequest struct {
	ContractAddress  Fr          `json:"contractAddress"`
	FunctionSelector uint32      `json:"functionSelector"`
	CallContext      CallContext `json:"callContext"`
	Args             []Fr        `json:"args"`
}

// Hash returns the hash identifying the request.
func (r PublicCallRequest) Hash() (Fr, error) {
	h, err := hashEncoded(r)
	if err != nil {
		return Fr{}, fmt.Errorf("hashing public call request: %w", err)
	}
	return FrFromBytes(h[:]), nil
}

// ToCallRequest returns the fixed-width, circuit-facing form of r.
func (r PublicCallRequest) ToCallRequest() (CallRequest, error) {
	h, err := r.Hash()
	if err != nil {
		return CallRequest{}, err
	}
	return CallRequest{
		Hash:                   h,
		CallerContractAddress:  r.CallContext.MsgSender,
		StartSideEffectCounter: r.CallContext.SideEffectCounter,
	}, nil
}

// CallRequest is an entry of a public call stack. The zero value is the empty
// sentinel used to pad stacks to their fixed width.
type CallRequest struct {
	Hash                   Fr     `json:"hash"`
	CallerContractAddress  Fr     `json:"callerContractAddress"`
	StartSideEffectCounter uint32 `json:"startSideEffectCounter"`
	EndSideEffectCounter   uint32 `json:"endSideEffectCounter"`
}

// IsEmpty reports whether c is the empty sentinel.
func (c CallRequest) IsEmpty() bool {
	return c == CallRequest{}
}
