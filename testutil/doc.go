// Package testutil holds the fixtures and fakes shared by the pipeline's tests.
//
// FakeChain is an in-memory chain.Client. It hands out nonces, records sent
// transactions, can mine them on send (AutoMine) and replays scripted errors
// per call (SendErrs, CallErr, HeaderErr and friends). Mutate guards direct
// field changes made while a pipeline is polling it.
//
//	fc := testutil.NewFakeChain()
//	fc.SendErrs = []error{testutil.NewRPCError(-32000, "replacement transaction underpriced")}
//	fc.AutoMine = true
//
// Keys, addresses and amounts are package variables; treat the *big.Int
// values as read-only.
package testutil
