package main

import (
	"context"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline"
	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/txn"
)

// intentFlags are shared by the commands that take a transaction.
type intentFlags struct {
	to    string
	value string
	data  string
	gas   uint64
}

func (f *intentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.to, "to", "", "destination address")
	cmd.Flags().StringVar(&f.value, "value", "0", "value in wei")
	cmd.Flags().StringVar(&f.data, "data", "", "0x-prefixed call data")
	cmd.Flags().Uint64Var(&f.gas, "gas", 0, "gas limit; estimated when zero")
	_ = cmd.MarkFlagRequired("to")
}

func (f *intentFlags) intent() (txn.Intent, error) {
	to, err := txn.ParseAddress(f.to)
	if err != nil {
		return txn.Intent{}, err
	}
	value, ok := new(big.Int).SetString(f.value, 10)
	if !ok {
		return txn.Intent{}, fmt.Errorf("invalid value %q", f.value)
	}
	intent, err := txn.NewIntent(to, common.FromHex(f.data), value)
	if err != nil {
		return txn.Intent{}, err
	}
	intent.Overrides.GasLimit = f.gas
	return intent, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the provider and report the pipeline state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			s, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			h := s.p.HealthCheck(ctx)
			if err := printJSON(cmd, h); err != nil {
				return err
			}
			if h.Status == txpipeline.HealthUnhealthy {
				return fmt.Errorf("pipeline is %s", h.Status)
			}
			return nil
		},
	}
}

type feeView struct {
	Priority             string `json:"priority"`
	Kind                 string `json:"kind"`
	GasPrice             string `json:"gas_price,omitempty"`
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
	Fallback             bool   `json:"fallback"`
}

func viewQuote(q fee.Quote) feeView {
	return feeView{
		Priority:             q.Priority.String(),
		Kind:                 q.Kind.String(),
		GasPrice:             bigString(q.GasPrice),
		MaxFeePerGas:         bigString(q.MaxFeePerGas),
		MaxPriorityFeePerGas: bigString(q.MaxPriorityFeePerGas),
		Fallback:             q.Fallback,
	}
}

func newEstimateCmd(a *app) *cobra.Command {
	var (
		f     intentFlags
		from  string
		level string
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Quote fees per priority; with --to also estimate gas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			s, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			summary := s.p.EstimateFee(ctx)
			out := map[string]any{
				"fees": []feeView{viewQuote(summary.Safe), viewQuote(summary.Standard), viewQuote(summary.Fast)},
			}
			if f.to != "" {
				intent, err := f.intent()
				if err != nil {
					return err
				}
				sender, err := txn.ParseAddress(from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				lvl, err := fee.ParseLevel(level)
				if err != nil {
					return err
				}
				est := s.p.EstimateGas(ctx, sender, intent)
				opt := s.p.Optimize(ctx, est, lvl)
				out["gas_limit"] = est.GasLimit
				out["gas_fallback"] = est.Fallback
				out["total_cost"] = bigString(est.TotalCost)
				out["optimized"] = map[string]any{
					"level":           opt.Level.String(),
					"gas_limit":       opt.Optimized.GasLimit,
					"fee":             viewQuote(opt.Optimized.Quote),
					"gas_saved":       opt.GasSaved,
					"cost_saved":      bigString(opt.CostSaved),
					"recommendations": opt.Recommendations,
				}
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&f.to, "to", "", "destination address")
	cmd.Flags().StringVar(&f.value, "value", "0", "value in wei")
	cmd.Flags().StringVar(&f.data, "data", "", "0x-prefixed call data")
	cmd.Flags().StringVar(&from, "from", "", "sender address for gas estimation")
	cmd.Flags().StringVar(&level, "level", "balanced", "optimization level: conservative, balanced or aggressive")
	return cmd
}

func newSimulateCmd(a *app) *cobra.Command {
	var f intentFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Prepare a transaction from the configured key and dry-run it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			intent, err := f.intent()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			s, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			prepared, err := s.p.Prepare(ctx, intent, s.from)
			if err != nil {
				return err
			}
			defer s.p.Release(prepared)

			sim := s.p.Simulate(ctx, prepared)
			out := map[string]any{
				"from":      s.from.Hex(),
				"nonce":     prepared.Nonce,
				"gas_limit": prepared.GasLimit,
				"success":   sim.Success,
				"gas_used":  sim.GasUsed,
			}
			if sim.Reverted {
				out["revert_reason"] = sim.RevertReason
				out["revert_data"] = common.Bytes2Hex(sim.RevertData)
			}
			if sim.Err != nil {
				out["error"] = sim.Err.Error()
			}
			return printJSON(cmd, out)
		},
	}
	f.register(cmd)
	return cmd
}

type resultView struct {
	Hash          string   `json:"hash"`
	State         string   `json:"state"`
	Nonce         uint64   `json:"nonce"`
	Attempts      int      `json:"attempts"`
	Broadcasts    []string `json:"broadcasts,omitempty"`
	BlockNumber   uint64   `json:"block_number,omitempty"`
	GasUsed       uint64   `json:"gas_used,omitempty"`
	Confirmations uint64   `json:"confirmations,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Action        string   `json:"action,omitempty"`
	Deduplicated  bool     `json:"deduplicated,omitempty"`
	Elapsed       string   `json:"elapsed"`
}

func viewResult(r *txpipeline.TransactionResult) resultView {
	v := resultView{
		Hash:          r.Hash.Hex(),
		State:         r.State.String(),
		Nonce:         r.Nonce,
		Attempts:      r.Attempts,
		BlockNumber:   r.Status.BlockNumber,
		GasUsed:       r.Status.GasUsed,
		Confirmations: r.Status.Confirmations,
		Reason:        r.Reason,
		Action:        r.Action,
		Deduplicated:  r.Deduplicated,
		Elapsed:       r.Elapsed.Round(time.Millisecond).String(),
	}
	for _, h := range r.Hashes {
		v.Broadcasts = append(v.Broadcasts, h.Hex())
	}
	return v
}

func newSendCmd(a *app) *cobra.Command {
	var (
		f             intentFlags
		simulate      bool
		confirmations uint64
		timeout       time.Duration
		key           string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a transaction from the configured key and wait for confirmation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			intent, err := f.intent()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			s, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer s.close(context.WithoutCancel(ctx))

			a.log.Info("sending transaction",
				zap.String("wallet", s.from.Hex()),
				zap.String("to", intent.To.Hex()),
				zap.String("value", intent.ValueOrZero().String()),
			)
			res, execErr := s.p.R().
				SetFrom(s.from).
				SetTo(intent.To).
				SetValue(intent.Value).
				SetData(intent.Data).
				SetGasLimit(intent.Overrides.GasLimit).
				SetSimulate(simulate).
				SetConfirmations(confirmations).
				SetTimeout(timeout).
				SetIdempotencyKey(key).
				ExecuteContext(ctx)
			if res != nil {
				if err := printJSON(cmd, viewResult(res)); err != nil {
					return err
				}
			}
			return execErr
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&simulate, "simulate", true, "dry-run before the first broadcast")
	cmd.Flags().Uint64Var(&confirmations, "confirmations", 0, "required confirmations; config default when zero")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-broadcast confirmation timeout; config default when zero")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "deduplicate repeated sends with this key")
	return cmd
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
