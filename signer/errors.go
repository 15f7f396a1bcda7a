package signer

import (
	"errors"

	"github.com/CaliberVB/txpipeline/chain"
)

var (
	ErrInvalidKey          = errors.New("invalid private key")
	ErrIdentityMismatch    = errors.New("private key does not match declared address")
	ErrUnknownIdentity     = errors.New("the wallet to sign txs is not registered")
	ErrSenderMismatch      = errors.New("recovered sender differs from prepared sender")
	ErrAlreadyBroadcast    = errors.New("signed payload was already accepted by the network")
	ErrSimulatedTxReverted = errors.New("tx will be reverted")
	ErrSimulatedTxFailed   = errors.New("couldn't simulate tx at pending state")
)

// identityError marks registry failures as validation errors so they are never retried.
type identityError struct{ err error }

func (e *identityError) Error() string { return e.err.Error() }

func (e *identityError) Unwrap() error { return e.err }

func (e *identityError) Category() chain.Category { return chain.CategoryValidation }
