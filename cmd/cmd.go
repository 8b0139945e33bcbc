package cmd

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli"

	"github.com/warpdl/swdriver/cmd/common"
)

type BuildArgs struct {
	Version   string
	BuildType string
	Date      string
	Commit    string
}

func Execute(args []string, bArgs BuildArgs) error {
	app := newApp(bArgs)
	return app.Run(args)
}

func newApp(bArgs BuildArgs) *cli.App {
	app := &cli.App{
		Name:                  "swdriver",
		HelpName:              "swdriver",
		Usage:                 "An offline-first caching proxy for single page apps.",
		Version:               fmt.Sprintf("%s-%s", bArgs.Version, bArgs.BuildType),
		UsageText:             "swdriver <command> [arguments...]",
		Description:           DESCRIPTION,
		CustomAppHelpTemplate: HELP_TEMPL,
		OnUsageError:          common.UsageErrorCallback,
		Commands: []cli.Command{
			{
				Name:                   "serve",
				Aliases:                []string{"s"},
				Usage:                  "run the caching proxy",
				Action:                 serve,
				OnUsageError:           common.UsageErrorCallback,
				CustomHelpTemplate:     CMD_HELP_TEMPL,
				Description:            ServeDescription,
				UseShortOptionHandling: true,
				Flags:                  serveFlags,
			},
			{
				Name:               "state",
				Aliases:            []string{"st"},
				Usage:              "show the state of a running daemon",
				Action:             state,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        StateDescription,
				Flags:              rpcFlags,
			},
			{
				Name:               "check",
				Aliases:            []string{"c"},
				Usage:              "check the origin for a new build now",
				Action:             check,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        CheckDescription,
				Flags:              rpcFlags,
			},
			{
				Name:               "hash",
				Usage:              "print the version hash of a manifest",
				UsageText:          "<ngsw.json>",
				Action:             hash,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        HashDescription,
			},
			{
				Name:               "verify",
				Usage:              "check an origin's assets against its manifest",
				UsageText:          "<origin-url>",
				Action:             verify,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        VerifyDescription,
				Flags:              verifyFlags,
			},
			{
				Name:    "help",
				Aliases: []string{"h"},
				Usage:   "prints the help message",
				Action:  common.Help,
			},
			{
				Name:               "version",
				Aliases:            []string{"v"},
				Usage:              "prints installed version of swdriver",
				UsageText:          " ",
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Action:             common.GetVersion,
			},
		},
		Action:      common.Help,
		HideHelp:    true,
		HideVersion: true,
	}
	common.VersionCmdStr = fmt.Sprintf("%s %s (%s_%s)\nBuild: %s=%s\n",
		app.Name,
		app.Version,
		runtime.GOOS,
		runtime.GOARCH,
		bArgs.Date, bArgs.Commit,
	)
	return app
}
