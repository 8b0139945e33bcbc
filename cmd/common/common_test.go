package common

import (
	"errors"
	"flag"
	"io"
	"testing"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
)

func newTestContext() *cli.Context {
	app := cli.NewApp()
	app.Name = "swdriver"
	app.HelpName = "swdriver"
	app.Version = "test"
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	ctx := cli.NewContext(app, set, nil)
	ctx.Command = cli.Command{Name: "serve"}
	return ctx
}

func stubHelp(t *testing.T) (appCalls, cmdCalls *int) {
	t.Helper()
	var a, c int
	origApp, origCmd := showAppHelpAndExit, showCommandHelp
	showAppHelpAndExit = func(*cli.Context, int) { a++ }
	showCommandHelp = func(*cli.Context, string) error { c++; return nil }
	t.Cleanup(func() { showAppHelpAndExit, showCommandHelp = origApp, origCmd })
	return &a, &c
}

func TestInitVerifyBar(t *testing.T) {
	p := mpb.New(mpb.WithOutput(io.Discard))
	bar := InitVerifyBar(p, "Verifying", 3)
	for i := 0; i < 3; i++ {
		bar.Increment()
	}
	p.Wait()
	if !bar.Completed() {
		t.Fatal("expected bar to complete")
	}
}

func TestPrintErrWithHelp(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantApp int
	}{
		{"nil error", nil, 0},
		{"plain error", errors.New("oops"), 1},
		{"help requested", errors.New("flag: help requested"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appCalls, _ := stubHelp(t)
			if err := PrintErrWithHelp(newTestContext(), tt.err); err != nil {
				t.Fatal(err)
			}
			if *appCalls != tt.wantApp {
				t.Fatalf("expected %d app help calls, got %d", tt.wantApp, *appCalls)
			}
		})
	}
}

func TestUsageErrorCallback(t *testing.T) {
	appCalls, cmdCalls := stubHelp(t)
	ctx := newTestContext()
	if err := UsageErrorCallback(ctx, errors.New("bad flag"), false); err != nil {
		t.Fatal(err)
	}
	if *cmdCalls != 1 || *appCalls != 0 {
		t.Fatalf("expected command help, got app=%d cmd=%d", *appCalls, *cmdCalls)
	}

	ctx.Command = cli.Command{}
	if err := UsageErrorCallback(ctx, errors.New("bad flag"), false); err != nil {
		t.Fatal(err)
	}
	if *appCalls != 1 {
		t.Fatalf("expected app help, got %d", *appCalls)
	}
}

func TestHelp_Command(t *testing.T) {
	_, cmdCalls := stubHelp(t)
	set := flag.NewFlagSet("help", flag.ContinueOnError)
	_ = set.Parse([]string{"serve"})
	ctx := cli.NewContext(cli.NewApp(), set, nil)
	if err := Help(ctx); err != nil {
		t.Fatal(err)
	}
	if *cmdCalls != 1 {
		t.Fatalf("expected command help, got %d", *cmdCalls)
	}
}

func TestPrintRuntimeErr(t *testing.T) {
	PrintRuntimeErr(nil, "serve", "listen", nil)
	PrintRuntimeErr(newTestContext(), "serve", "listen", errors.New("address in use"))
}
