package cmd

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/warpdl/swdriver/cmd/common"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
)

const verifyConcurrency = 4

var errVerifyFailed = errors.New("some assets do not match their hashes")

func hash(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return common.PrintErrWithCmdHelp(ctx, errors.New("no manifest path provided"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		common.PrintRuntimeErr(ctx, "hash", "read", err)
		return nil
	}
	m, err := manifest.Parse(data)
	if err != nil {
		common.PrintRuntimeErr(ctx, "hash", "parse", err)
		return nil
	}
	h, err := manifest.Hash(m)
	if err != nil {
		common.PrintRuntimeErr(ctx, "hash", "hash", err)
		return nil
	}
	fmt.Println(h)
	return nil
}

// mismatch is one asset whose body does not hash to the manifest value.
type mismatch struct {
	URL  string
	Want string
	Got  string
	Err  error
}

func (m mismatch) String() string {
	if m.Err != nil {
		return fmt.Sprintf("%s: %v", m.URL, m.Err)
	}
	return fmt.Sprintf("%s: expected %s, got %s", m.URL, m.Want, m.Got)
}

// verifyAssets fetches the manifest under scope and checks every hashed
// asset. onDone is called once per asset.
func verifyAssets(ctx context.Context, f fetch.Fetcher, scope *fetch.Scope, onTotal func(int), onDone func()) ([]mismatch, error) {
	murl := fetch.CacheBust(scope.Resolve("ngsw.json"))
	req, err := fetch.NewRequest(http.MethodGet, murl.String())
	if err != nil {
		return nil, err
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("error: manifest fetch failed: %d %s", resp.Status, resp.StatusText)
	}
	m, err := manifest.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(m.HashTable))
	for u := range m.HashTable {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	onTotal(len(urls))

	var (
		mu  sync.Mutex
		bad []mismatch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for _, u := range urls {
		u := u
		want := m.HashTable[u]
		g.Go(func() error {
			defer onDone()
			got, err := fetchHash(gctx, f, scope, u)
			if err == nil && got == want {
				return nil
			}
			mu.Lock()
			bad = append(bad, mismatch{URL: u, Want: want, Got: got, Err: err})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i].URL < bad[j].URL })
	return bad, nil
}

func fetchHash(ctx context.Context, f fetch.Fetcher, scope *fetch.Scope, u string) (string, error) {
	req, err := fetch.NewRequest(http.MethodGet, fetch.CacheBust(scope.Resolve(u)).String())
	if err != nil {
		return "", err
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("unexpected status %d", resp.Status)
	}
	sum := sha1.Sum(resp.Body)
	return hex.EncodeToString(sum[:]), nil
}

func verify(ctx *cli.Context) error {
	origin := ctx.Args().First()
	if origin == "" {
		return common.PrintErrWithCmdHelp(ctx, errors.New("no origin URL provided"))
	}
	scope, err := fetch.NewScope(origin)
	if err != nil {
		common.PrintRuntimeErr(ctx, "verify", "origin", err)
		return nil
	}
	client, err := fetch.NewClient(ctx.String("proxy"), 30*time.Second)
	if err != nil {
		common.PrintRuntimeErr(ctx, "verify", "client", err)
		return nil
	}

	var out io.Writer = os.Stdout
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		out = io.Discard
	}
	p := mpb.New(mpb.WithWidth(60), mpb.WithOutput(out))
	var bar *mpb.Bar
	bad, err := verifyAssets(context.Background(), &fetch.HTTPFetcher{Client: client}, scope,
		func(n int) {
			if n > 0 {
				bar = common.InitVerifyBar(p, "Verifying", int64(n))
			}
		},
		func() { bar.Increment() },
	)
	if bar != nil {
		p.Wait()
	} else {
		p.Shutdown()
	}
	if err != nil {
		common.PrintRuntimeErr(ctx, "verify", "manifest", err)
		return nil
	}
	if len(bad) == 0 {
		fmt.Println("All assets match.")
		return nil
	}
	printMismatches(os.Stdout, bad)
	return cli.NewExitError(errVerifyFailed.Error(), 1)
}

func printMismatches(w io.Writer, bad []mismatch) {
	fmt.Fprintf(w, "%d mismatched assets:\n", len(bad))
	for _, m := range bad {
		fmt.Fprintf(w, "  %s\n", m)
	}
}
