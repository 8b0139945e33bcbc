package cmd

const HELP_TEMPL = `Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
{{.Description}}{{if .VisibleCommands}}
Commands:{{range .VisibleCategories}}{{if .Name}}

{{.Name}}:{{range .VisibleCommands}}
  {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{else}}{{range .VisibleCommands}}
{{"\t"}}{{index .Names 0}}{{"\t:\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{end}}

Use "{{.HelpName}} help <command>" for more information about any command.

`

const CMD_HELP_TEMPL = `{{if .Description}}{{.Description}}{{else}}{{.HelpName}} - {{.Usage}}

{{end}}Usage:
        {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[arguments...]{{end}}{{if .VisibleFlags}}

Supported Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

`

const DESCRIPTION = `
swdriver is an offline-first caching proxy for single page applications.
It sits in front of the app's origin, installs each build described by
the origin's ngsw.json into a local versioned cache, pins every open page
to the build it started on and moves pages to new builds on navigation.
`

const (
	ServeDescription = `The serve command runs the caching proxy in the foreground.

Settings come from the config file, then SWDRIVER_* environment
variables, then flags.

Example:
        swdriver serve --origin http://127.0.0.1:4200 --listen 127.0.0.1:8080

`
	StateDescription = `The state command prints the driver state of a running
daemon: its mode, the latest build and the installed builds with the
pages pinned to each.

Example:
        swdriver state --rpc-secret s3cret

`
	CheckDescription = `The check command asks a running daemon to look for a new
build on the origin right away and install it.

Example:
        swdriver check --rpc-secret s3cret

`
	HashDescription = `The hash command prints the version hash of a manifest
file, the identifier the daemon uses for that build.

Example:
        swdriver hash dist/ngsw.json

`
	VerifyDescription = `The verify command downloads an origin's ngsw.json and
every hashed asset it lists and checks each asset against its hash.

Example:
        swdriver verify http://127.0.0.1:4200/

`
)
