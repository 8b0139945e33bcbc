package cmd

import (
	"github.com/urfave/cli"

	"github.com/warpdl/swdriver/common"
)

var (
	configPath string
	debugLog   bool
	rpcAddr    string
	rpcSecret  string
)

var rpcFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "addr, a",
		Usage:       "scope URL of the running daemon",
		Value:       "http://" + common.DefaultListen + "/",
		Destination: &rpcAddr,
	},
	cli.StringFlag{
		Name:        "rpc-secret, s",
		Usage:       "bearer token of the admin endpoint",
		EnvVar:      common.RPCSecretEnv,
		Destination: &rpcSecret,
	},
}

// serve flags are read through ctx so unset flags leave file and env
// values alone.
var serveFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "config, c",
		Usage:       "path to swdriver.yaml",
		EnvVar:      common.ConfigEnv,
		Destination: &configPath,
	},
	cli.StringFlag{
		Name:  "origin, o",
		Usage: "upstream application server",
	},
	cli.StringFlag{
		Name:  "listen, l",
		Usage: "address to listen on",
	},
	cli.StringFlag{
		Name:  "scope",
		Usage: "public URL the app is served under",
	},
	cli.StringFlag{
		Name:  "data-dir, d",
		Usage: "directory for the control database and caches",
	},
	cli.BoolFlag{
		Name:  "ephemeral, e",
		Usage: "keep all state in memory",
	},
	cli.StringFlag{
		Name:  "rpc-secret, s",
		Usage: "bearer token for the admin endpoint (empty disables it)",
	},
	cli.StringFlag{
		Name:  "check-cron",
		Usage: `cron expression for background update checks, or "off"`,
	},
	cli.StringFlag{
		Name:  "proxy, x",
		Usage: "http, https or socks5 proxy for upstream requests",
	},
	cli.BoolFlag{
		Name:        "debug",
		Usage:       "verbose logging",
		EnvVar:      common.DebugEnv,
		Destination: &debugLog,
	},
}

var verifyFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "proxy, x",
		Usage:  "http, https or socks5 proxy",
		EnvVar: common.ProxyEnv,
	},
}
