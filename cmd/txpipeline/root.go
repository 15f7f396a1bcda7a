package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline"
	"github.com/CaliberVB/txpipeline/config"
)

// app holds what every subcommand needs after flags are parsed.
type app struct {
	configPath string
	envFile    string
	keyEnv     string

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "txpipeline",
		Short:         "Prepare, sign, broadcast and confirm EVM transactions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ./txpipeline.yaml if present)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVar(&a.keyEnv, "key-env", "TXPIPE_PRIVATE_KEY", "environment variable holding the signing key")

	root.AddCommand(
		newHealthCmd(a),
		newEstimateCmd(a),
		newSimulateCmd(a),
		newSendCmd(a),
	)
	return root
}

func (a *app) init() error {
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", a.envFile, err)
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// session is an open pipeline plus the resources behind it.
type session struct {
	p      *txpipeline.Pipeline
	from   common.Address
	closer []func() error
}

func (s *session) close(ctx context.Context) error {
	errs := []error{s.p.Shutdown(ctx)}
	for _, c := range s.closer {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// open dials the provider and builds a pipeline. With needKey the signing key
// is read from the environment and registered.
func (a *app) open(ctx context.Context, needKey bool) (*session, error) {
	dialCtx := ctx
	if a.cfg.RPC.RequestTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, a.cfg.RPC.RequestTimeout)
		defer cancel()
	}
	client, err := ethclient.DialContext(dialCtx, a.cfg.RPC.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", a.cfg.RPC.URL, err)
	}
	s := &session{closer: []func() error{func() error { client.Close(); return nil }}}

	var rdb *redis.Client
	if a.cfg.Idempotency.Backend == "redis" {
		if rdb, err = txpipeline.DialRedis(ctx, a.cfg.Redis); err != nil {
			client.Close()
			return nil, err
		}
	}
	opts, err := txpipeline.OptionsFromConfig(a.cfg, redisOrNil(rdb))
	if err != nil {
		client.Close()
		return nil, err
	}
	opts = append(opts, txpipeline.WithLogger(a.log))

	p, err := txpipeline.New(dialCtx, client, opts...)
	if err != nil {
		client.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	s.p = p

	if needKey {
		hexKey := strings.TrimPrefix(strings.TrimSpace(os.Getenv(a.keyEnv)), "0x")
		if hexKey == "" {
			_ = s.close(ctx)
			return nil, fmt.Errorf("%s is not set", a.keyEnv)
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("parsing %s: %w", a.keyEnv, err)
		}
		s.from = p.AddKey(key)
	}
	return s, nil
}

// redisOrNil keeps a nil *redis.Client from becoming a non-nil interface.
func redisOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
