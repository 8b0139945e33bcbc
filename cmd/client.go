package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/urfave/cli"

	"github.com/warpdl/swdriver/cmd/common"
	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/internal/server"
	"github.com/warpdl/swdriver/pkg/fetch"
)

const (
	rpcTimeout = 60 * time.Second
	tokenTTL   = 2 * time.Minute
)

// bearerClient signs a short-lived admin token for every JSON-RPC
// request, so the secret itself never goes over the wire.
type bearerClient struct {
	secret string
	http   *http.Client
}

func (b *bearerClient) Do(req *http.Request) (*http.Response, error) {
	tok, err := server.IssueToken(b.secret, tokenTTL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return b.http.Do(req)
}

// dialRPC returns a client for the admin endpoint under the daemon's scope.
func dialRPC(addr, secret string) (*jrpc2.Client, error) {
	scope, err := fetch.NewScope(addr)
	if err != nil {
		return nil, err
	}
	ch := jhttp.NewChannel(scope.Resolve("ngsw/rpc").String(), &jhttp.ChannelOptions{
		Client: &bearerClient{secret: secret, http: &http.Client{Timeout: rpcTimeout}},
	})
	return jrpc2.NewClient(ch, nil), nil
}

func callRPC(method string, params, result any) error {
	c, err := dialRPC(rpcAddr, rpcSecret)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return c.CallResult(ctx, method, params, result)
}

func state(ctx *cli.Context) error {
	var st driver.DebugState
	if err := callRPC("driver.state", nil, &st); err != nil {
		common.PrintRuntimeErr(ctx, "state", "driver.state", err)
		return nil
	}
	var versions []driver.DebugVersion
	if err := callRPC("driver.versions", nil, &versions); err != nil {
		common.PrintRuntimeErr(ctx, "state", "driver.versions", err)
		return nil
	}
	var idle driver.DebugIdleState
	if err := callRPC("driver.idle", nil, &idle); err != nil {
		common.PrintRuntimeErr(ctx, "state", "driver.idle", err)
		return nil
	}
	printState(os.Stdout, st, versions, idle)
	return nil
}

func printState(w io.Writer, st driver.DebugState, versions []driver.DebugVersion, idle driver.DebugIdleState) {
	latest := st.LatestHash
	if latest == "" {
		latest = "none"
	}
	fmt.Fprintf(w, "State:  %s (%s)\n", st.State, st.Why)
	fmt.Fprintf(w, "Latest: %s\n", latest)
	if !st.LastUpdateCheck.IsZero() {
		fmt.Fprintf(w, "Last update check: %s\n", st.LastUpdateCheck.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "\nVersions (%d):\n", len(versions))
	for _, v := range versions {
		status := v.Status
		if status == "" {
			status = "ok"
		}
		fmt.Fprintf(w, "  %s  %s  clients: %s\n", v.Hash, status, strings.Join(v.Clients, ", "))
	}
	if len(idle.Queue) > 0 {
		fmt.Fprintf(w, "\nIdle queue: %s\n", strings.Join(idle.Queue, ", "))
	}
}

func check(ctx *cli.Context) error {
	var res server.UpdateResult
	if err := callRPC("driver.checkForUpdate", nil, &res); err != nil {
		common.PrintRuntimeErr(ctx, "check", "driver.checkForUpdate", err)
		return nil
	}
	if res.Updated {
		fmt.Println("A new version was installed.")
	} else {
		fmt.Println("Already up to date.")
	}
	return nil
}
