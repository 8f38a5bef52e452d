package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for the signer configuration
const (
	EnvKmsKeyId          = "KMS_SIGNER_KMS_KEY_ID"
	EnvPrivateKey        = "KMS_SIGNER_PRIVATE_KEY"
	EnvAWSRegion         = "AWS_REGION"
	EnvRpcUrl            = "KMS_SIGNER_RPC_URL"
	EnvChainId           = "KMS_SIGNER_CHAIN_ID"
	EnvPort              = "KMS_SIGNER_PORT"
	EnvGasMultiplier     = "KMS_SIGNER_GAS_MULTIPLIER"
	EnvRequestsPerSecond = "KMS_SIGNER_REQUESTS_PER_SECOND"
	EnvPersistenceType   = "KMS_SIGNER_PERSISTENCE_TYPE"
	EnvDataPath          = "KMS_SIGNER_DATA_PATH"
	EnvRedisAddress      = "KMS_SIGNER_REDIS_ADDRESS"
	EnvRedisPassword     = "KMS_SIGNER_REDIS_PASSWORD"
	EnvRedisDB           = "KMS_SIGNER_REDIS_DB"
	EnvRedisKeyPrefix    = "KMS_SIGNER_REDIS_KEY_PREFIX"
	EnvConfigFile        = "KMS_SIGNER_CONFIG"
	EnvDebug             = "KMS_SIGNER_DEBUG"
)

const (
	DefaultPort          = 8545
	DefaultGasMultiplier = 1.0
	DefaultTimeout       = 20 * time.Second
	DefaultDataPath      = "./data/kms-signer"
)

type ChainId uint64

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_EthereumAnvil   ChainId = 31337
	ChainId_ArbitrumOne     ChainId = 42161
	ChainId_ArbitrumSepolia ChainId = 421614
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_EthereumAnvil   ChainName = "devnet"
	ChainName_ArbitrumOne     ChainName = "arbitrum"
	ChainName_ArbitrumSepolia ChainName = "arbitrum-sepolia"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
	ChainId_ArbitrumOne:     ChainName_ArbitrumOne,
	ChainId_ArbitrumSepolia: ChainName_ArbitrumSepolia,
}
var ChainNameToId = map[ChainName]ChainId{
	ChainName_EthereumMainnet: ChainId_EthereumMainnet,
	ChainName_EthereumSepolia: ChainId_EthereumSepolia,
	ChainName_EthereumAnvil:   ChainId_EthereumAnvil,
	ChainName_ArbitrumOne:     ChainId_ArbitrumOne,
	ChainName_ArbitrumSepolia: ChainId_ArbitrumSepolia,
}

// ChainDisplayName returns the known name of a chain, or its numeric id.
func ChainDisplayName(id ChainId) string {
	if name, ok := ChainIdToName[id]; ok {
		return string(name)
	}
	return fmt.Sprintf("chain-%d", id)
}

// IsDevnet reports whether id is a local development chain.
func IsDevnet(id ChainId) bool {
	return id == ChainId_EthereumAnvil
}

type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix"`
}

type PersistenceConfig struct {
	// Type is one of memory, badger or redis. Empty means memory.
	Type     string      `json:"type" yaml:"type"`
	DataPath string      `json:"dataPath" yaml:"dataPath"`
	Redis    RedisConfig `json:"redis" yaml:"redis"`
}

// SignerConfig is the complete configuration of the signing proxy.
type SignerConfig struct {
	// Custody: exactly one of KmsKeyId or PrivateKey
	KmsKeyId   string `json:"kmsKeyId" yaml:"kmsKeyId"`
	PrivateKey string `json:"privateKey" yaml:"privateKey"`
	AWSRegion  string `json:"awsRegion" yaml:"awsRegion"`

	RpcUrl      string            `json:"rpcUrl" yaml:"rpcUrl"`
	HttpHeaders map[string]string `json:"httpHeaders" yaml:"httpHeaders"`
	Timeout     time.Duration     `json:"timeout" yaml:"timeout"`
	// ChainId zero means ask the node
	ChainId ChainId `json:"chainId" yaml:"chainId"`

	Port              int     `json:"port" yaml:"port"`
	GasMultiplier     float64 `json:"gasMultiplier" yaml:"gasMultiplier"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`

	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`

	Debug bool `json:"debug" yaml:"debug"`
}

// NewSignerConfig returns a config populated with defaults.
func NewSignerConfig() *SignerConfig {
	return &SignerConfig{
		Port:          DefaultPort,
		GasMultiplier: DefaultGasMultiplier,
		Timeout:       DefaultTimeout,
		Persistence: PersistenceConfig{
			Type:     "memory",
			DataPath: DefaultDataPath,
		},
	}
}

// LoadFromFile reads a YAML config file over the defaults.
func LoadFromFile(path string) (*SignerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*SignerConfig, error) {
	cfg := NewSignerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

// UsesKMS reports whether signing is delegated to AWS KMS.
func (c *SignerConfig) UsesKMS() bool {
	return c.KmsKeyId != ""
}

// ValidateCustody checks only the key custody settings.
func (c *SignerConfig) ValidateCustody() error {
	if errs := c.custodyErrors(); len(errs) > 0 {
		return errs.ToAggregate()
	}
	return nil
}

func (c *SignerConfig) custodyErrors() field.ErrorList {
	var allErrors field.ErrorList

	switch {
	case c.KmsKeyId != "" && c.PrivateKey != "":
		allErrors = append(allErrors, field.Forbidden(field.NewPath("privateKey"), "privateKey must be empty when kmsKeyId is set"))
	case c.KmsKeyId == "" && c.PrivateKey == "":
		allErrors = append(allErrors, field.Required(field.NewPath("kmsKeyId"), "one of kmsKeyId or privateKey is required"))
	}

	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if _, err := hexutil.Decode("0x" + key); err != nil || len(key) != 64 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("privateKey"), "<redacted>", "must be 32 bytes of hex"))
		}
	}
	return allErrors
}

// Validate checks the full proxy configuration.
func (c *SignerConfig) Validate() error {
	allErrors := c.custodyErrors()

	if c.RpcUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("rpcUrl"), "rpcUrl is required"))
	} else if !strings.HasPrefix(c.RpcUrl, "http://") && !strings.HasPrefix(c.RpcUrl, "https://") &&
		!strings.HasPrefix(c.RpcUrl, "ws://") && !strings.HasPrefix(c.RpcUrl, "wss://") {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rpcUrl"), c.RpcUrl, "must be an http(s) or ws(s) url"))
	}

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "must be between 1-65535"))
	}
	if c.GasMultiplier < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("gasMultiplier"), c.GasMultiplier, "must not be negative"))
	}
	if c.RequestsPerSecond < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("requestsPerSecond"), c.RequestsPerSecond, "must not be negative"))
	}
	if c.Timeout < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("timeout"), c.Timeout.String(), "must not be negative"))
	}

	persistencePath := field.NewPath("persistence")
	switch c.Persistence.Type {
	case "", "memory":
	case "badger":
		if c.Persistence.DataPath == "" {
			allErrors = append(allErrors, field.Required(persistencePath.Child("dataPath"), "dataPath is required for badger"))
		}
	case "redis":
		if c.Persistence.Redis.Address == "" {
			allErrors = append(allErrors, field.Required(persistencePath.Child("redis", "address"), "address is required for redis"))
		}
		if c.Persistence.Redis.DB < 0 || c.Persistence.Redis.DB > 15 {
			allErrors = append(allErrors, field.Invalid(persistencePath.Child("redis", "db"), c.Persistence.Redis.DB, "must be between 0-15"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(persistencePath.Child("type"), c.Persistence.Type, []string{"memory", "badger", "redis"}))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}
