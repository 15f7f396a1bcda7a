package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Category is the failure class of an error observed at the provider boundary.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryValidation
	CategoryMalformed
	CategoryServer
	CategoryNotFound
	CategoryTimeout
	CategoryDisconnected
	CategoryUserRejected
	CategoryUnsupported
	CategoryRateLimited
	CategoryOutOfGas
	CategoryReverted
	CategoryInsufficientFunds
	CategoryNonceConflict
	CategoryUnderpriced
	CategoryAlreadyKnown
	CategoryCircuitOpen
	CategoryCancelled
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryMalformed:
		return "malformed_request"
	case CategoryServer:
		return "server_error"
	case CategoryNotFound:
		return "not_found"
	case CategoryTimeout:
		return "timeout"
	case CategoryDisconnected:
		return "disconnected"
	case CategoryUserRejected:
		return "user_rejected"
	case CategoryUnsupported:
		return "unsupported"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryOutOfGas:
		return "out_of_gas"
	case CategoryReverted:
		return "reverted"
	case CategoryInsufficientFunds:
		return "insufficient_funds"
	case CategoryNonceConflict:
		return "nonce_conflict"
	case CategoryUnderpriced:
		return "underpriced"
	case CategoryAlreadyKnown:
		return "already_known"
	case CategoryCircuitOpen:
		return "circuit_open"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// JSON-RPC and EIP-1193 provider error codes.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeServerError       = -32000
	CodeResourceNotFound  = -32001
	CodeTxNotFound        = -32002
	CodeLimitExceeded     = -32005
	CodeExecutionReverted = 3
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
)

// ErrCircuitOpen is returned without touching the provider while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open: provider temporarily unavailable")

// RPCError is a provider-level failure carrying the JSON-RPC code.
type RPCError struct {
	Code     int
	Message  string
	Data     []byte
	Category Category
	cause    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Category, e.Message)
}

func (e *RPCError) Unwrap() error { return e.cause }

// ExecutionError is a failure of the transaction itself, as reported by the node.
type ExecutionError struct {
	Category Category
	Reason   string
	Data     []byte
	cause    error
}

func (e *ExecutionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("execution error (%s)", e.Category)
	}
	return fmt.Sprintf("execution error (%s): %s", e.Category, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.cause }

// categorized is implemented by errors that already know their class,
// such as validation errors raised before any provider call.
type categorized interface {
	Category() Category
}

var executionPatterns = []struct {
	needle   string
	category Category
}{
	{"already known", CategoryAlreadyKnown},
	{"known transaction", CategoryAlreadyKnown},
	{"replacement transaction underpriced", CategoryUnderpriced},
	{"transaction underpriced", CategoryUnderpriced},
	{"max fee per gas less than block base fee", CategoryUnderpriced},
	{"fee cap less than block base fee", CategoryUnderpriced},
	{"nonce too low", CategoryNonceConflict},
	{"nonce too high", CategoryNonceConflict},
	{"invalid nonce", CategoryNonceConflict},
	{"insufficient funds", CategoryInsufficientFunds},
	{"intrinsic gas too low", CategoryOutOfGas},
	{"out of gas", CategoryOutOfGas},
	{"gas required exceeds allowance", CategoryOutOfGas},
	{"execution reverted", CategoryReverted},
	{"reverted", CategoryReverted},
}

var transportPatterns = []struct {
	needle   string
	category Category
}{
	{"connection refused", CategoryDisconnected},
	{"connection reset", CategoryDisconnected},
	{"no such host", CategoryDisconnected},
	{"broken pipe", CategoryDisconnected},
	{"eof", CategoryDisconnected},
	{"i/o timeout", CategoryTimeout},
	{"timeout", CategoryTimeout},
	{"too many requests", CategoryRateLimited},
	{"rate limit", CategoryRateLimited},
}

func matchExecution(msg string) (Category, bool) {
	lower := strings.ToLower(msg)
	for _, p := range executionPatterns {
		if strings.Contains(lower, p.needle) {
			return p.category, true
		}
	}
	return CategoryUnknown, false
}

func categoryForCode(code int) Category {
	switch code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams:
		return CategoryMalformed
	case CodeInternalError, CodeServerError:
		return CategoryServer
	case CodeResourceNotFound, CodeTxNotFound:
		return CategoryNotFound
	case CodeLimitExceeded, 429:
		return CategoryRateLimited
	case CodeUserRejected:
		return CategoryUserRejected
	case CodeUnauthorized, CodeUnsupported:
		return CategoryUnsupported
	case CodeDisconnected, CodeChainDisconnected:
		return CategoryDisconnected
	case CodeExecutionReverted:
		return CategoryReverted
	default:
		return CategoryUnknown
	}
}

// Classify converts a raw provider error into *RPCError or *ExecutionError.
// Context errors, already classified errors and nil are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return err
	}
	var rpcErr *RPCError
	var execErr *ExecutionError
	if errors.As(err, &rpcErr) || errors.As(err, &execErr) {
		return err
	}

	data := RevertData(err)

	var codeErr rpc.Error
	if errors.As(err, &codeErr) {
		code := codeErr.ErrorCode()
		if cat, ok := matchExecution(codeErr.Error()); ok {
			return &ExecutionError{Category: cat, Reason: codeErr.Error(), Data: data, cause: err}
		}
		if code == CodeExecutionReverted {
			return &ExecutionError{Category: CategoryReverted, Reason: codeErr.Error(), Data: data, cause: err}
		}
		return &RPCError{Code: code, Message: codeErr.Error(), Data: data, Category: categoryForCode(code), cause: err}
	}

	if cat, ok := matchExecution(err.Error()); ok {
		return &ExecutionError{Category: cat, Reason: err.Error(), Data: data, cause: err}
	}
	return err
}

// CategoryOf returns the failure class of err.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var c categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CategoryCircuitOpen
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ethereum.NotFound):
		return CategoryNotFound
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Category
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Category
	}

	classified := Classify(err)
	if errors.As(classified, &execErr) {
		return execErr.Category
	}
	if errors.As(classified, &rpcErr) {
		return rpcErr.Category
	}

	lower := strings.ToLower(err.Error())
	for _, p := range transportPatterns {
		if strings.Contains(lower, p.needle) {
			return p.category
		}
	}
	return CategoryUnknown
}

// IsTransient reports whether err is a provider or transport failure rather than
// a verdict about the transaction.
func IsTransient(err error) bool {
	switch CategoryOf(err) {
	case CategoryServer, CategoryTimeout, CategoryDisconnected, CategoryRateLimited, CategoryUnknown:
		return true
	}
	return false
}

// RevertData extracts revert bytes attached to err, or nil.
func RevertData(err error) []byte {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && len(execErr.Data) > 0 {
		return execErr.Data
	}
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		b, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return nil
		}
		return b
	case []byte:
		return v
	}
	return nil
}
