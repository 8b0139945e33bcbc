// Package common holds names and defaults shared by the daemon and the
// command line client.
package common

// Environment variables. Each overrides the matching config file field.
const (
	ConfigEnv    = "SWDRIVER_CONFIG"
	OriginEnv    = "SWDRIVER_ORIGIN"
	ScopeEnv     = "SWDRIVER_SCOPE"
	ListenEnv    = "SWDRIVER_LISTEN"
	DataDirEnv   = "SWDRIVER_DATA_DIR"
	RPCSecretEnv = "SWDRIVER_RPC_SECRET"
	CheckCronEnv = "SWDRIVER_CHECK_CRON"
	ProxyEnv     = "SWDRIVER_PROXY"
	EphemeralEnv = "SWDRIVER_EPHEMERAL"

	// DebugEnv enables verbose logging.
	DebugEnv = "SWDRIVER_DEBUG"
)
