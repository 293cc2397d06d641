package config

// DefaultValues are the values of a development node: in-process mock
// provers, no HistoryDB and a faucet-less ledger with only the native token.
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[StateDB]
Path = "/tmp/tokamak-settlement/statedb"
Keep = 256

[Ledger]
NativeSymbol = "ETH"
FaucetAmount = "1000000000000000000000"

[Rollup]
BatchSize = 16
DepositBatchFee = "10000000000000"
ExitBatchFee = "10000000000000"
ChallengePeriod = "30m"
MaxTxsPerBlock = 64
MaxPendingTxs = 4096

[Coordinator]
ForgeRetryInterval = "500ms"
ForgeDelay = "1s"
MaxBatchWait = "1m"
SyncRetryInterval = "1s"
TxManagerCheckInterval = "500ms"
LivenessCheckInterval = "10s"
PoolPurgeInterval = "1m"
PoolTxTTL = "24h"
MockProver = true
MockProvers = 2
MockProverDelay = "0s"
ProverPollInterval = "500ms"

[Synchronizer]
SyncLoopInterval = "500ms"

[API]
Address = "localhost:8086"
ReadTimeout = "30s"
WriteTimeout = "30s"
MaxSQLConnections = 16
SQLConnectionTimeout = "2s"

[Debug]
MeddlerLogs = false
`
