package testutil

import (
	"math/big"
)

// NewLegacyFakeChain is a BSC-like chain: no base fee in headers, every quote
// comes from a flat 20 gwei gas price.
func NewLegacyFakeChain() *FakeChain {
	f := NewFakeChain()
	f.ChainIDValue = big.NewInt(56)
	f.BaseFee = nil
	f.GasPrice = new(big.Int).Set(TwentyGwei)
	return f
}

// RPCError is a JSON-RPC error as ethclient surfaces it: message, code and
// optional data, matching rpc.Error and rpc.DataError.
type RPCError struct {
	Code int
	Msg  string
	Data any
}

func (e *RPCError) Error() string  { return e.Msg }
func (e *RPCError) ErrorCode() int { return e.Code }
func (e *RPCError) ErrorData() any { return e.Data }

func NewRPCError(code int, msg string) *RPCError {
	return &RPCError{Code: code, Msg: msg}
}

// NewRevertError is what a node answers for a reverted eth_call or
// eth_estimateGas; data is the 0x-prefixed revert payload.
func NewRevertError(data string) *RPCError {
	return &RPCError{Code: 3, Msg: "execution reverted", Data: data}
}
