package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Layr-Labs/kms-signer-go/internal/aws"
	"github.com/Layr-Labs/kms-signer-go/internal/signerStack"
	"github.com/Layr-Labs/kms-signer-go/pkg/config"
	"github.com/Layr-Labs/kms-signer-go/pkg/logger"
	"github.com/Layr-Labs/kms-signer-go/pkg/persistence"
	"github.com/Layr-Labs/kms-signer-go/pkg/proxy"
	"github.com/Layr-Labs/kms-signer-go/pkg/remoteSigner"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML config file",
			EnvVars: []string{config.EnvConfigFile},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"verbose"},
			Usage:   "Enable debug logging",
			EnvVars: []string{config.EnvDebug},
		},
	}
}

func custodyFlags() []cli.Flag {
	return append(configFlags(),
		&cli.StringFlag{
			Name:    "kms-key-id",
			Usage:   "AWS KMS key id, ARN or alias of the secp256k1 signing key",
			EnvVars: []string{config.EnvKmsKeyId},
		},
		&cli.StringFlag{
			Name:    "private-key",
			Usage:   "Hex private key for local development instead of KMS",
			EnvVars: []string{config.EnvPrivateKey},
		},
		&cli.StringFlag{
			Name:    "aws-region",
			Usage:   "AWS region of the KMS key",
			EnvVars: []string{config.EnvAWSRegion},
		},
	)
}

func persistenceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "persistence",
			Usage:   "Key metadata store: memory, badger or redis",
			Value:   "memory",
			EnvVars: []string{config.EnvPersistenceType},
		},
		&cli.StringFlag{
			Name:    "data-path",
			Usage:   "Badger data directory",
			Value:   config.DefaultDataPath,
			EnvVars: []string{config.EnvDataPath},
		},
		&cli.StringFlag{
			Name:    "redis-address",
			Usage:   "Redis host:port",
			EnvVars: []string{config.EnvRedisAddress},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			EnvVars: []string{config.EnvRedisPassword},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			EnvVars: []string{config.EnvRedisDB},
		},
		&cli.StringFlag{
			Name:    "redis-key-prefix",
			EnvVars: []string{config.EnvRedisKeyPrefix},
		},
	}
}

func offlineFlags() []cli.Flag {
	return append(custodyFlags(), persistenceFlags()...)
}

func serveFlags() []cli.Flag {
	flags := append(offlineFlags(),
		&cli.StringFlag{
			Name:    "rpc-url",
			Aliases: []string{"rpc"},
			Usage:   "Upstream Ethereum JSON-RPC endpoint",
			EnvVars: []string{config.EnvRpcUrl},
		},
		&cli.Uint64Flag{
			Name:    "chain-id",
			Usage:   "Chain id to sign for (0 asks the node)",
			EnvVars: []string{config.EnvChainId},
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port of the JSON-RPC proxy",
			Value:   config.DefaultPort,
			EnvVars: []string{config.EnvPort},
		},
		&cli.Float64Flag{
			Name:    "gas-multiplier",
			Usage:   "Multiplier applied to eth_estimateGas",
			Value:   config.DefaultGasMultiplier,
			EnvVars: []string{config.EnvGasMultiplier},
		},
		&cli.Float64Flag{
			Name:    "requests-per-second",
			Usage:   "Rate limit towards the node (0 disables)",
			EnvVars: []string{config.EnvRequestsPerSecond},
		},
	)
	return flags
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kms-signer",
		Usage: "Ethereum JSON-RPC signer backed by AWS KMS",
		Description: `Intercepts eth_sendTransaction, eth_signTypedData and eth_accounts and signs
them with a secp256k1 key held in AWS KMS. Every other call is relayed to the
upstream node unchanged.`,
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the JSON-RPC signing proxy",
				Flags:  serveFlags(),
				Action: serveCommand,
			},
			{
				Name:   "address",
				Usage:  "Print the checksummed address of the signing key",
				Flags:  offlineFlags(),
				Action: addressCommand,
			},
			{
				Name:   "whoami",
				Usage:  "Print the AWS caller identity",
				Flags:  custodyFlags(),
				Action: whoamiCommand,
			},
			{
				Name:      "sign-digest",
				Usage:     "Sign a 32 byte hex digest and print the 65 byte signature",
				ArgsUsage: "<digest>",
				Flags:     offlineFlags(),
				Action:    signDigestCommand,
			},
			{
				Name:  "keys",
				Usage: "Inspect or forget persisted key records",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List persisted key records",
						Flags:  append(persistenceFlags(), configFlags()...),
						Action: keysListCommand,
					},
					{
						Name:      "forget",
						Usage:     "Delete the persisted record of a key id so it is fetched from custody again",
						ArgsUsage: "<keyId>",
						Flags:     append(persistenceFlags(), configFlags()...),
						Action:    keysForgetCommand,
					},
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// loadConfig reads the optional config file, then applies explicitly set flags.
func loadConfig(c *cli.Context) (*config.SignerConfig, error) {
	cfg := config.NewSignerConfig()
	if path := c.String("config"); path != "" {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setString("kms-key-id", &cfg.KmsKeyId)
	setString("private-key", &cfg.PrivateKey)
	setString("aws-region", &cfg.AWSRegion)
	setString("rpc-url", &cfg.RpcUrl)
	setString("persistence", &cfg.Persistence.Type)
	setString("data-path", &cfg.Persistence.DataPath)
	setString("redis-address", &cfg.Persistence.Redis.Address)
	setString("redis-password", &cfg.Persistence.Redis.Password)
	setString("redis-key-prefix", &cfg.Persistence.Redis.KeyPrefix)

	if c.IsSet("chain-id") {
		cfg.ChainId = config.ChainId(c.Uint64("chain-id"))
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("gas-multiplier") {
		cfg.GasMultiplier = c.Float64("gas-multiplier")
	}
	if c.IsSet("requests-per-second") {
		cfg.RequestsPerSecond = c.Float64("requests-per-second")
	}
	if c.IsSet("redis-db") {
		cfg.Persistence.Redis.DB = c.Int("redis-db")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	return cfg, nil
}

func setup(c *cli.Context) (*config.SignerConfig, *zap.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, l, nil
}

func serveCommand(c *cli.Context) error {
	cfg, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := signerStack.NewStack(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			l.Sugar().Errorw("Failed to close signer stack", "error", err)
		}
	}()

	// Resolve the address up front so a misconfigured key fails at startup
	addr, err := stack.Signer.GetAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve signer address: %w", err)
	}
	l.Sugar().Infow("Signing as", "address", addr.Hex(), "rpcUrl", cfg.RpcUrl, "port", cfg.Port)

	p := proxy.NewProxy(&proxy.ProxyConfig{Port: cfg.Port}, stack.Provider, stack.Store, l)
	return p.Run(ctx)
}

// newOfflineSigner builds a signer without a node connection. The returned
// persistence store must be closed by the caller.
func newOfflineSigner(ctx context.Context, cfg *config.SignerConfig, l *zap.Logger) (*remoteSigner.RemoteSigner, persistence.IKeyPersistence, error) {
	cust, err := signerStack.NewCustody(ctx, cfg, l)
	if err != nil {
		return nil, nil, err
	}
	store, err := signerStack.NewPersistence(&cfg.Persistence, l)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open persistence: %w", err)
	}
	signer, err := remoteSigner.NewRemoteSigner(&remoteSigner.RemoteSignerConfig{KeyId: cust.KeyId}, cust.Service, nil, store, l)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return signer, store, nil
}

func closeStore(store persistence.IKeyPersistence, l *zap.Logger) {
	if err := store.Close(); err != nil {
		l.Sugar().Errorw("Failed to close persistence", "error", err)
	}
}

func addressCommand(c *cli.Context) error {
	cfg, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	signer, store, err := newOfflineSigner(c.Context, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore(store, l)
	addr, err := signer.GetAddress(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, addr.Hex())
	return nil
}

func whoamiCommand(c *cli.Context) error {
	cfg, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	awsCfg, err := aws.LoadAWSConfig(c.Context, cfg.AWSRegion)
	if err != nil {
		return err
	}
	identity, err := aws.GetCallerIdentity(c.Context, awsCfg)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]string{
		"account": derefString(identity.Account),
		"arn":     derefString(identity.Arn),
		"userId":  derefString(identity.UserId),
		"region":  awsCfg.Region,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(out))
	return nil
}

func signDigestCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one digest argument")
	}
	digestBytes, err := hexutil.Decode(c.Args().First())
	if err != nil || len(digestBytes) != 32 {
		return fmt.Errorf("digest must be 32 bytes of 0x-prefixed hex")
	}

	cfg, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	signer, store, err := newOfflineSigner(c.Context, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore(store, l)

	var digest [32]byte
	copy(digest[:], digestBytes)
	sig, err := signer.SignDigest(c.Context, digest)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, sig.Hex())
	return nil
}

func keysListCommand(c *cli.Context) error {
	cfg, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	store, err := signerStack.NewPersistence(&cfg.Persistence, l)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer closeStore(store, l)

	records, err := store.ListKeyRecords()
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", r.KeyId, r.Address, r.FetchedAt.Format(time.RFC3339))
	}
	return nil
}

func keysForgetCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one key id argument")
	}
	keyId := c.Args().First()

	cfg, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	store, err := signerStack.NewPersistence(&cfg.Persistence, l)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer closeStore(store, l)

	if err := store.DeleteKeyRecord(keyId); err != nil {
		return err
	}
	l.Sugar().Infow("Forgot key record", "keyId", keyId)
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
