// Package retry classifies pipeline failures into recovery strategies and
// drives bounded backoff around an operation.
package retry

import (
	"time"

	"github.com/CaliberVB/txpipeline/chain"
)

// Strategy is the recovery plan for one failure. It is derived from the error
// every time and never stored.
type Strategy struct {
	Category   chain.Category
	CanRetry   bool
	RetryDelay time.Duration
	MaxRetries int
	Action     string
}

// Actions double as the hint a terminal failure carries back to the caller.
const (
	ActionFixRequest      = "fix the request parameters; resubmitting the same request will fail again"
	ActionRetryLater      = "provider error; retry after a short delay"
	ActionReconnect       = "provider unreachable; retry after reconnecting"
	ActionSlowDown        = "provider rate limit hit; retry with a longer delay"
	ActionUserRejected    = "signing was rejected; do not retry without user action"
	ActionUnsupported     = "provider does not support the request; switch provider"
	ActionRaiseGas        = "out of gas; retry with a higher gas limit"
	ActionFixCall         = "execution reverted; fix the call parameters"
	ActionFund            = "insufficient funds; top up the sending identity"
	ActionResyncNonce     = "nonce conflict; retry after the conflicting transaction settles"
	ActionBumpFee         = "fee too low; retry with a bumped fee"
	ActionWaitForMining   = "transaction already in the mempool; wait for confirmation"
	ActionWaitForProvider = "provider circuit open; retry after it recovers"
	ActionNone            = "operation cancelled by caller"
	ActionUnknown         = "unclassified error; retry a limited number of times"
)

var strategies = map[chain.Category]Strategy{
	chain.CategoryValidation:        {CanRetry: false, Action: ActionFixRequest},
	chain.CategoryMalformed:         {CanRetry: false, Action: ActionFixRequest},
	chain.CategoryUserRejected:      {CanRetry: false, Action: ActionUserRejected},
	chain.CategoryUnsupported:       {CanRetry: false, Action: ActionUnsupported},
	chain.CategoryReverted:          {CanRetry: false, Action: ActionFixCall},
	chain.CategoryInsufficientFunds: {CanRetry: false, Action: ActionFund},
	chain.CategoryAlreadyKnown:      {CanRetry: false, Action: ActionWaitForMining},
	chain.CategoryCancelled:         {CanRetry: false, Action: ActionNone},

	chain.CategoryServer:        {CanRetry: true, RetryDelay: time.Second, MaxRetries: 3, Action: ActionRetryLater},
	chain.CategoryNotFound:      {CanRetry: true, RetryDelay: time.Second, MaxRetries: 3, Action: ActionRetryLater},
	chain.CategoryTimeout:       {CanRetry: true, RetryDelay: time.Second, MaxRetries: 3, Action: ActionRetryLater},
	chain.CategoryDisconnected:  {CanRetry: true, RetryDelay: 5 * time.Second, MaxRetries: 5, Action: ActionReconnect},
	chain.CategoryRateLimited:   {CanRetry: true, RetryDelay: 5 * time.Second, MaxRetries: 3, Action: ActionSlowDown},
	chain.CategoryOutOfGas:      {CanRetry: true, RetryDelay: time.Second, MaxRetries: 2, Action: ActionRaiseGas},
	chain.CategoryNonceConflict: {CanRetry: true, RetryDelay: 3 * time.Second, MaxRetries: 3, Action: ActionResyncNonce},
	chain.CategoryUnderpriced:   {CanRetry: true, RetryDelay: 2 * time.Second, MaxRetries: 3, Action: ActionBumpFee},
	chain.CategoryCircuitOpen:   {CanRetry: true, RetryDelay: 10 * time.Second, MaxRetries: 3, Action: ActionWaitForProvider},
	chain.CategoryUnknown:       {CanRetry: true, RetryDelay: 2 * time.Second, MaxRetries: 2, Action: ActionUnknown},
}

// StrategyFor classifies err and returns its recovery strategy. A nil error
// gets a non-retryable zero strategy.
func StrategyFor(err error) Strategy {
	if err == nil {
		return Strategy{Category: chain.CategoryUnknown}
	}
	return StrategyForCategory(chain.CategoryOf(err))
}

// StrategyForCategory returns the strategy table entry for c.
func StrategyForCategory(c chain.Category) Strategy {
	s, ok := strategies[c]
	if !ok {
		s = strategies[chain.CategoryUnknown]
	}
	s.Category = c
	return s
}
