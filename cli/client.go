package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/client"
)

var clientCmd = &cli.Command{
	Name:  "client",
	Usage: "Launch client directly, run tasks in parallel",
	Description: `Tasks are pulled off of the shared queue in bundles from the server and
run locally within the same shell as the client. It is recommended to
coordinate bundle parameters with the server.`,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "num-tasks", Aliases: []string{"N"}, Value: 1, Usage: "number of tasks to run in parallel"},
		&cli.StringFlag{Name: "template", Aliases: []string{"t"}, Usage: "command-line template pattern"},
		&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "hostname for server"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port number for server"},
		&cli.StringFlag{Name: "auth", Aliases: []string{"k"}, Usage: "cryptographic key to connect to server"},
		&cli.IntFlag{Name: "bundlesize", Aliases: []string{"b"}, Usage: "bundle size for finished tasks"},
		&cli.IntFlag{Name: "bundlewait", Aliases: []string{"w"}, Usage: "seconds to wait before flushing tasks"},
		&cli.IntFlag{Name: "delay-start", Aliases: []string{"d"}, Usage: "seconds to wait before start-up"},
		&cli.BoolFlag{Name: "no-confirm", Usage: "disable confirmation of task bundle received"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "redirect task output"},
		&cli.StringFlag{Name: "errors", Aliases: []string{"e"}, Usage: "redirect task errors"},
		&cli.BoolFlag{Name: "capture", Aliases: []string{"c"}, Usage: "capture individual task stdout and stderr"},
		&cli.IntFlag{Name: "timeout", Aliases: []string{"T"}, Usage: "automatically shutdown if no tasks received"},
		&cli.IntFlag{Name: "task-timeout", Aliases: []string{"W"}, Usage: "task-level walltime limit"},
		&cli.IntFlag{Name: "signalwait", Aliases: []string{"S"}, Usage: "signal escalation wait period"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runClient(cctx))
	},
}

func runClient(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.Bool("capture") && (cctx.IsSet("output") || cctx.IsSet("errors")) {
		return usageError("cannot specify --capture with either --output or --errors")
	}
	if cctx.IsSet("timeout") && cctx.Int("timeout") <= 0 {
		return usageError("client --timeout should be positive")
	}
	if cctx.IsSet("task-timeout") && cctx.Int("task-timeout") <= 0 {
		return usageError("client --task-timeout should be positive")
	}

	if cctx.IsSet("bundlesize") {
		cfg.Client.Bundlesize = cctx.Int("bundlesize")
	}
	if cctx.IsSet("bundlewait") {
		cfg.Client.Bundlewait = seconds(cctx.Int("bundlewait"))
	}
	if cctx.IsSet("timeout") {
		cfg.Client.Timeout = seconds(cctx.Int("timeout"))
	}
	if cctx.IsSet("task-timeout") {
		cfg.Task.Timeout = seconds(cctx.Int("task-timeout"))
	}
	if cctx.IsSet("signalwait") {
		cfg.Task.Signalwait = seconds(cctx.Int("signalwait"))
	}
	host := cfg.Server.Bind
	if cctx.IsSet("host") {
		host = cctx.String("host")
	}
	port := cfg.Server.Port
	if cctx.IsSet("port") {
		port = cctx.Int("port")
	}
	auth := cfg.Server.Auth
	if cctx.IsSet("auth") {
		auth = cctx.String("auth")
	}

	output, hasOutput, err := outputStream(cctx.String("output"))
	if err != nil {
		return err
	}
	if hasOutput {
		defer output.Close()
	} else {
		output = nopWriteCloser{os.Stdout}
	}
	errors, hasErrors, err := outputStream(cctx.String("errors"))
	if err != nil {
		return err
	}
	if hasErrors {
		defer errors.Close()
	} else {
		errors = nopWriteCloser{os.Stderr}
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return client.Run(ctx, cfg, client.Options{
		NumTasks:   cctx.Int("num-tasks"),
		Template:   cctx.String("template"),
		Host:       host,
		Port:       port,
		Auth:       auth,
		DelayStart: time.Duration(cctx.Int("delay-start")) * time.Second,
		NoConfirm:  cctx.Bool("no-confirm"),
		Capture:    cctx.Bool("capture"),
		Output:     output,
		Errors:     errors,
	})
}
