package testutil

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Addresses without keys. TestAddr1 is the usual sender for components that
// never sign, TestAddr2 the usual recipient.
var (
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	TestAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// Signing identities.
var (
	TestPrivateKeyHex      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	TestPrivateKey1        = mustKey(TestPrivateKeyHex)
	TestPrivateKey1Address = crypto.PubkeyToAddress(TestPrivateKey1.PublicKey)

	TestPrivateKey2        = mustKey("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
	TestPrivateKey2Address = crypto.PubkeyToAddress(TestPrivateKey2.PublicKey)
)

// Amounts in wei. Treat them as read-only; copy before mutating.
var (
	OneEth     = big.NewInt(1_000_000_000_000_000_000)
	TwentyGwei = big.NewInt(20_000_000_000)
	TwoGwei    = big.NewInt(2_000_000_000)
)

// ChainIDSimulated is the chain id of FakeChain and of go-ethereum's simulated backend.
var ChainIDSimulated = big.NewInt(1337)

// FixedTime is a stable timestamp for assertions on recorded times.
var FixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func mustKey(hex string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		panic(err)
	}
	return key
}
