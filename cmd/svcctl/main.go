// Command svcctl runs lifecycle commands against the services declared in a
// catalog.
//
//	svcctl -e staging start @edge
//	svcctl -e prod exec api -- ./manage migrate
//	svcctl -e prod watch all --schedule "@every 30s" --metrics-addr :9102
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-service-command"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	exitInternal = 3
)

// Globals are flags shared by every subcommand.
type Globals struct {
	Catalog     string        `help:"Service catalog file." env:"SVCCTL_CATALOG" default:"services.yaml" type:"path"`
	Env         string        `help:"Target environment." env:"SVCCTL_ENV" short:"e" default:"dev"`
	State       string        `help:"State backend: memory, a directory, file://DIR, redis://... or postgres://..." env:"SVCCTL_STATE" default:".svcctl/state"`
	Table       string        `help:"Table used by the postgres state backend." default:"svcctl_state"`
	Platforms   []string      `help:"Platforms to enable (posix, container, aws, mock)." env:"SVCCTL_PLATFORMS" default:"posix,container,aws"`
	Concurrency int           `help:"Bindings dispatched in parallel." default:"4"`
	RunTimeout  time.Duration `help:"Bound every handler of one run by a shared deadline." name:"run-timeout"`
	Verbose     bool          `help:"Log progress to stderr." short:"v"`
	LogFormat   string        `help:"Log format on stderr." name:"log-format" enum:"text,json" default:"text"`
}

// CLI is the static part of the command tree. One command per lifecycle
// kind is added dynamically.
type CLI struct {
	Globals

	Handlers handlersCmd `cmd:"" help:"List registered handlers." group:"Inspect"`
	Prune    pruneCmd    `cmd:"" help:"Clear saved state whose resource is gone." group:"State"`
	Watch    watchCmd    `cmd:"" help:"Run check on a schedule." group:"Inspect"`
}

// exitError carries the process exit code out of a subcommand.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func kindCommands() []kong.Option {
	opts := make([]kong.Option, 0, len(command.Kinds()))
	for _, kind := range command.Kinds() {
		opts = append(opts, kong.DynamicCommand(
			string(kind),
			kindHelp[kind],
			"Lifecycle",
			&runCmd{kind: kind},
		))
	}
	return opts
}

var kindHelp = map[command.Kind]string{
	command.KindCheck:     "Report status and health.",
	command.KindStart:     "Start services that are not running.",
	command.KindStop:      "Stop running services.",
	command.KindRestart:   "Stop then start services.",
	command.KindUpdate:    "Roll services onto a new version or image.",
	command.KindProvision: "Create the resources services depend on.",
	command.KindPublish:   "Tag and push service artifacts.",
	command.KindBackup:    "Back up service data.",
	command.KindExec:      "Run a one-off command inside services.",
	command.KindTest:      "Run service test suites.",
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cli := &CLI{}
	options := append(kindCommands(),
		kong.Name("svcctl"),
		kong.Description("Operate services across posix, container and aws platforms."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	parser, err := kong.New(cli, options...)
	if err != nil {
		fmt.Fprintf(stderr, "svcctl: %v\n", err)
		return exitInternal
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "svcctl: %v\n", err)
		return exitUsage
	}

	sess := &session{
		ctx:     ctx,
		globals: &cli.Globals,
		stdout:  stdout,
		stderr:  stderr,
	}
	if err := kctx.Run(sess); err != nil {
		return exitCode(stderr, err)
	}
	return exitOK
}

func exitCode(stderr io.Writer, err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "svcctl: %s\n", command.ErrorMessage(exit.err))
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "svcctl: %s\n", command.ErrorMessage(err))
	if command.IsValidation(err) || command.IsNotImplemented(err) {
		return exitUsage
	}
	return exitFailed
}
