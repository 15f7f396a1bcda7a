package preparer

import "errors"

var (
	ErrChainIDFailed      = errors.New("get chain id failed")
	ErrAcquireNonceFailed = errors.New("acquire nonce failed")
	ErrFeeCapExceeded     = errors.New("gas price protection limit reached")
	ErrGasLimitExceeded   = errors.New("gas limit protection limit reached")
)
