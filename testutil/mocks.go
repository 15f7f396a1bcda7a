package testutil

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CaliberVB/txpipeline/chain"
)

// FakeChain is a scriptable in-memory chain.Client.
//
// Zero-valued error fields mean success. With AutoMine set every accepted
// transaction is mined into a new block with a successful receipt.
type FakeChain struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Head         uint64
	// BlockStep is added to Head on every BlockNumber call, simulating block production.
	BlockStep uint64
	// BaseFee nil makes the chain look like a legacy (pre-London) network.
	BaseFee     *big.Int
	GasPrice    *big.Int
	TipCap      *big.Int
	GasEstimate uint64
	CallResult  []byte
	AutoMine    bool
	// MinedStatus is the receipt status AutoMine uses; defaults to success.
	MinedStatus *uint64

	MinedNonces   map[common.Address]uint64
	PendingNonces map[common.Address]uint64
	Receipts      map[common.Hash]*types.Receipt
	Sent          []*types.Transaction

	ChainIDErr   error
	BlockErr     error
	HeaderErr    error
	NonceErr     error
	GasPriceErr  error
	TipCapErr    error
	EstimateErr  error
	CallErr      error
	SendErr      error
	ReceiptErr   error
	// SendErrs is consumed front to back before SendErr applies.
	SendErrs []error

	calls map[string]int
}

// NewFakeChain returns a dynamic-fee chain with 10 gwei base fee and 2 gwei tip.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		ChainIDValue:  new(big.Int).Set(ChainIDSimulated),
		Head:          100,
		BaseFee:       big.NewInt(10_000_000_000),
		GasPrice:      big.NewInt(12_000_000_000),
		TipCap:        TwoGwei,
		GasEstimate:   21000,
		MinedNonces:   map[common.Address]uint64{},
		PendingNonces: map[common.Address]uint64{},
		Receipts:      map[common.Hash]*types.Receipt{},
		calls:         map[string]int{},
	}
}

func (f *FakeChain) hit(name string) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

// Calls returns how many times the named method was invoked.
func (f *FakeChain) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// SetReceipt stores a receipt for hash.
func (f *FakeChain) SetReceipt(r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Receipts[r.TxHash] = r
}

// SetHead moves the chain head.
func (f *FakeChain) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Head = n
}

// SentTransactions returns a copy of every accepted transaction.
func (f *FakeChain) SentTransactions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.Sent...)
}

// Mutate runs fn under the fake's lock, for scripting state mid-test.
func (f *FakeChain) Mutate(fn func(f *FakeChain)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ChainID")
	if f.ChainIDErr != nil {
		return nil, f.ChainIDErr
	}
	return new(big.Int).Set(f.ChainIDValue), nil
}

func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("BlockNumber")
	if f.BlockErr != nil {
		return 0, f.BlockErr
	}
	f.Head += f.BlockStep
	return f.Head, nil
}

func (f *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("HeaderByNumber")
	if f.HeaderErr != nil {
		return nil, f.HeaderErr
	}
	h := &types.Header{Number: new(big.Int).SetUint64(f.Head), GasLimit: 30_000_000}
	if f.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(f.BaseFee)
	}
	return h, nil
}

func (f *FakeChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("NonceAt")
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	return f.MinedNonces[account], nil
}

func (f *FakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("PendingNonceAt")
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	if n, ok := f.PendingNonces[account]; ok {
		return n, nil
	}
	return f.MinedNonces[account], nil
}

func (f *FakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SuggestGasPrice")
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SuggestGasTipCap")
	if f.TipCapErr != nil {
		return nil, f.TipCapErr
	}
	return new(big.Int).Set(f.TipCap), nil
}

func (f *FakeChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("EstimateGas")
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return f.GasEstimate, nil
}

func (f *FakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("CallContract")
	if f.CallErr != nil {
		return nil, f.CallErr
	}
	return f.CallResult, nil
}

func (f *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SendTransaction")
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return err
		}
	} else if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, tx)

	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err == nil && tx.Nonce() >= f.PendingNonces[from] {
		f.PendingNonces[from] = tx.Nonce() + 1
	}

	if f.AutoMine {
		f.Head++
		status := types.ReceiptStatusSuccessful
		if f.MinedStatus != nil {
			status = *f.MinedStatus
		}
		receipt := NewReceiptWithBlockNumber(tx, status, int64(f.Head))
		receipt.EffectiveGasPrice = tx.GasPrice()
		f.Receipts[tx.Hash()] = receipt
		if err == nil {
			f.MinedNonces[from] = tx.Nonce() + 1
		}
	}
	return nil
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("TransactionReceipt")
	if f.ReceiptErr != nil {
		return nil, f.ReceiptErr
	}
	r, ok := f.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

var _ chain.Client = (*FakeChain)(nil)
