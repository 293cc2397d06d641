/*
Package config loads the node configuration.  The values are read, in this
order, from the built-in defaults, an optional TOML file and the environment,
each source overwriting the previous one, and validated at the end.
*/
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"tokamak-settlement/common"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return common.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// ProofServer is the server that computes the proofs of the committed blocks
type ProofServer struct {
	URL string `validate:"required,url"`
}

// Token is a token registered in the base ledger at startup
type Token struct {
	Address  ethCommon.Address `validate:"required"`
	Symbol   string            `validate:"required"`
	Decimals uint64
}

// Node is the node configuration
type Node struct {
	Log struct {
		// Level of logging: debug, info, warn, error
		Level string   `validate:"required,oneof=debug info warn error" env:"SETTLEMENT_LOG_LEVEL"`
		Out   []string `validate:"required"`
	}
	StateDB struct {
		// Path where the synchronizer StateDB is stored.  The operator
		// StateDB lives in the "operator" subdirectory
		Path string `validate:"required" env:"SETTLEMENT_STATEDB_PATH"`
		// Keep is the number of checkpoints to keep
		Keep int `validate:"required,min=2"`
	}
	// PostgreSQL holds the HistoryDB connection.  An empty HostWrite
	// disables the HistoryDB
	PostgreSQL struct {
		PortWrite     int    `env:"SETTLEMENT_POSTGRESQL_PORTWRITE"`
		HostWrite     string `env:"SETTLEMENT_POSTGRESQL_HOSTWRITE"`
		UserWrite     string `env:"SETTLEMENT_POSTGRESQL_USERWRITE"`
		PasswordWrite string `env:"SETTLEMENT_POSTGRESQL_PASSWORDWRITE"`
		NameWrite     string `env:"SETTLEMENT_POSTGRESQL_NAMEWRITE"`
		// The read connection is optional, when HostRead is empty the
		// write connection is used for reading
		PortRead     int    `env:"SETTLEMENT_POSTGRESQL_PORTREAD"`
		HostRead     string `env:"SETTLEMENT_POSTGRESQL_HOSTREAD"`
		UserRead     string `env:"SETTLEMENT_POSTGRESQL_USERREAD"`
		PasswordRead string `env:"SETTLEMENT_POSTGRESQL_PASSWORDREAD"`
		NameRead     string `env:"SETTLEMENT_POSTGRESQL_NAMEREAD"`
	}
	// Ledger configures the in-process base ledger
	Ledger struct {
		NativeSymbol string  `validate:"required"`
		Tokens       []Token `validate:"dive"`
		// Faucet owners receive FaucetAmount of every token at startup
		Faucet       []ethCommon.Address
		FaucetAmount *big.Int
	}
	Rollup struct {
		// BatchSize is the capacity of the deposit and exit batches
		BatchSize       int      `validate:"required,min=1"`
		DepositBatchFee *big.Int `validate:"required"`
		ExitBatchFee    *big.Int `validate:"required"`
		// ChallengePeriod is the time a committed block has to be
		// verified
		ChallengePeriod Duration `validate:"required"`
		// MaxTxsPerBlock is the maximum number of L2 txs of a block
		MaxTxsPerBlock int `validate:"required,min=1"`
		// MaxPendingTxs is the maximum number of pending txs in the
		// pool.  0 means no limit
		MaxPendingTxs int
	}
	Coordinator struct {
		// OperatorAddress collects the fees of the verified blocks
		OperatorAddress        ethCommon.Address `validate:"required" env:"SETTLEMENT_COORDINATOR_OPERATORADDRESS"`
		ForgeRetryInterval     Duration          `validate:"required"`
		ForgeDelay             Duration          `env:"SETTLEMENT_COORDINATOR_FORGEDELAY"`
		MaxBatchWait           Duration          `validate:"required" env:"SETTLEMENT_COORDINATOR_MAXBATCHWAIT"`
		SyncRetryInterval      Duration          `validate:"required"`
		TxManagerCheckInterval Duration          `validate:"required"`
		// LivenessCheckInterval is the delay between checks of overdue
		// blocks.  0 disables the liveness watcher
		LivenessCheckInterval Duration
		// PoolPurgeInterval is the delay between purges of final txs
		// older than PoolTxTTL
		PoolPurgeInterval Duration
		PoolTxTTL         Duration
		ProofServers      []ProofServer `validate:"dive"`
		// MockProver replaces the proof servers by in-process mock
		// provers, one per MockProvers
		MockProver         bool `env:"SETTLEMENT_COORDINATOR_MOCKPROVER"`
		MockProvers        int
		MockProverDelay    Duration
		ProverPollInterval Duration `validate:"required"`
	}
	Synchronizer struct {
		SyncLoopInterval Duration `validate:"required"`
	}
	API struct {
		Address      string   `validate:"required" env:"SETTLEMENT_API_ADDRESS"`
		ReadTimeout  Duration `validate:"required"`
		WriteTimeout Duration `validate:"required"`
		// MaxSQLConnections is the maximum number of HistoryDB
		// connections used concurrently by the API
		MaxSQLConnections    int      `validate:"required,min=1"`
		SQLConnectionTimeout Duration `validate:"required"`
	}
	Debug struct {
		// MeddlerLogs enables meddler debug mode, where unused columns
		// and struct fields are logged
		MeddlerLogs bool
		// BatchPath if set, specifies the path where the coordinator
		// stores every BlockInfo in JSON
		BatchPath string
	}
}

// HistoryDBEnabled returns true when a PostgreSQL connection is configured
func (cfg *Node) HistoryDBEnabled() bool {
	return cfg.PostgreSQL.HostWrite != ""
}

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return err
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if _, err := toml.Decode(string(bs), cfg); err != nil {
		return err
	}
	return nil
}

var envParsers = env.CustomParsers{
	reflect.TypeOf(ethCommon.Address{}): func(v string) (interface{}, error) {
		if !ethCommon.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid address %q", v)
		}
		return ethCommon.HexToAddress(v), nil
	},
	reflect.TypeOf(Duration{}): func(v string) (interface{}, error) {
		var d Duration
		err := d.UnmarshalText([]byte(v))
		return d, err
	},
}

// loadEnv overwrites the values with an env tag.  The sections are parsed
// one by one since nested structs are not walked by env.Parse.
func loadEnv(cfg *Node) error {
	sections := []interface{}{&cfg.Log, &cfg.StateDB, &cfg.PostgreSQL, &cfg.Coordinator, &cfg.API}
	for _, section := range sections {
		if err := env.ParseWithFuncs(section, envParsers); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads the defaults, then the file at filePath if not empty, and
// finally the environment into cfg
func LoadConfig(filePath string, defaultValues string, cfg *Node) error {
	if err := loadDefault(defaultValues, cfg); err != nil {
		return fmt.Errorf("error loading default configuration: %w", err)
	}
	var errLoadFile error
	if filePath != "" {
		errLoadFile = loadFile(filePath, cfg)
	}
	// Overwrite file configuration with the env configuration
	errLoadEnv := loadEnv(cfg)
	if errLoadFile != nil {
		return fmt.Errorf("error loading configuration file: %w", errLoadFile)
	}
	if errLoadEnv != nil {
		return fmt.Errorf("error loading environment variables: %w", errLoadEnv)
	}
	return nil
}

// LoadNode loads the Node configuration from path
func LoadNode(path string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg); err != nil {
		return nil, common.Wrap(err)
	}
	if err := cfg.validate(); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration: %w", err))
	}
	return &cfg, nil
}

func (cfg *Node) validate() error {
	validate := validator.New()
	// durations are validated as their inner value, so required means
	// not zero
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		return int64(v.Interface().(Duration).Duration)
	}, Duration{})
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if !cfg.Coordinator.MockProver && len(cfg.Coordinator.ProofServers) == 0 {
		return fmt.Errorf("Coordinator.ProofServers is empty and Coordinator.MockProver is disabled")
	}
	if cfg.Coordinator.MockProver && cfg.Coordinator.MockProvers < 1 {
		return fmt.Errorf("Coordinator.MockProvers must be at least 1")
	}
	if cfg.Coordinator.PoolTxTTL.Duration > 0 && cfg.Coordinator.PoolPurgeInterval.Duration <= 0 {
		return fmt.Errorf("Coordinator.PoolPurgeInterval is required with Coordinator.PoolTxTTL")
	}
	if cfg.HistoryDBEnabled() {
		if err := validate.Var(cfg.PostgreSQL.NameWrite, "required"); err != nil {
			return fmt.Errorf("PostgreSQL.NameWrite: %w", err)
		}
		if err := validate.Var(cfg.PostgreSQL.PortWrite, "required,min=1"); err != nil {
			return fmt.Errorf("PostgreSQL.PortWrite: %w", err)
		}
	}
	for _, fee := range []*big.Int{cfg.Rollup.DepositBatchFee, cfg.Rollup.ExitBatchFee, cfg.Ledger.FaucetAmount} {
		if fee != nil && fee.Sign() < 0 {
			return fmt.Errorf("negative amount %v", fee)
		}
	}
	return nil
}
