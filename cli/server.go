package cli

import (
	"io"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/server"
)

var serverCmd = &cli.Command{
	Name:      "server",
	Usage:     "Launch server, schedule directly or asynchronously from database",
	ArgsUsage: "[FILE]",
	Description: `The server schedules task bundles from the database onto a shared queue
and collects the results of finished tasks. Optionally it submits tasks
itself (FILE, "-" for stdin). With --max-retries greater than zero,
failed tasks are re-submitted until the attempt limit.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bind", Aliases: []string{"H"}, Usage: "bind address"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port number"},
		&cli.StringFlag{Name: "auth", Aliases: []string{"k"}, Usage: "cryptographic key to secure server"},
		&cli.IntFlag{Name: "bundlesize", Aliases: []string{"b"}, Usage: "size of task bundle"},
		&cli.IntFlag{Name: "bundlewait", Aliases: []string{"w"}, Usage: "seconds to wait before flushing tasks"},
		&cli.IntFlag{Name: "max-retries", Aliases: []string{"r"}, Usage: "auto-retry failed tasks"},
		&cli.BoolFlag{Name: "eager", Usage: "schedule failed tasks before new tasks"},
		&cli.BoolFlag{Name: "forever", Usage: "do not halt even if all tasks finished"},
		&cli.BoolFlag{Name: "restart", Usage: "include previously failed or interrupted tasks"},
		&cli.BoolFlag{Name: "no-db", Usage: "run server without database"},
		&cli.BoolFlag{Name: "no-confirm", Usage: "disable confirmation of task bundle received"},
		&cli.BoolFlag{Name: "print", Usage: "print failed task args to stdout"},
		&cli.StringFlag{Name: "failures", Aliases: []string{"f"}, Usage: "file path to redirect failed task args"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runServer(cctx))
	},
}

func runServer(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	filepath := cctx.Args().First()
	forever := cctx.Bool("forever")
	restart := cctx.Bool("restart")
	if filepath != "" && forever {
		return usageError("cannot specify both FILE and --forever")
	}
	if restart && forever {
		return usageError("using --forever with --restart is invalid")
	}
	if cctx.Bool("no-db") && (forever || restart) {
		return usageError("--forever and --restart require a database")
	}
	if cctx.Bool("print") && cctx.IsSet("failures") {
		return usageError("cannot specify both --print and --failures")
	}

	if cctx.IsSet("bind") {
		cfg.Server.Bind = cctx.String("bind")
	}
	if cctx.IsSet("port") {
		cfg.Server.Port = cctx.Int("port")
	}
	if cctx.IsSet("auth") {
		cfg.Server.Auth = cctx.String("auth")
	}
	if cctx.IsSet("bundlesize") {
		cfg.Server.Bundlesize = cctx.Int("bundlesize")
		cfg.Submit.Bundlesize = cctx.Int("bundlesize")
	}
	if cctx.IsSet("bundlewait") {
		cfg.Submit.Bundlewait = seconds(cctx.Int("bundlewait"))
	}
	maxRetries := cctx.Int("max-retries")

	var source io.Reader
	if !forever && !restart {
		stream, err := inputStream(filepath)
		if err != nil {
			return err
		}
		defer stream.Close()
		source = stream
	}

	failurePath := cctx.String("failures")
	if cctx.Bool("print") {
		failurePath = "-"
	}
	failures, hasFailures, err := outputStream(failurePath)
	if err != nil {
		return err
	}
	if hasFailures {
		defer failures.Close()
	}

	opts := server.Options{
		Forever:     forever,
		Restart:     restart,
		Live:        cctx.Bool("no-db"),
		NoConfirm:   cctx.Bool("no-confirm"),
		MaxRetries:  maxRetries,
		Eager:       cctx.Bool("eager"),
		Source:      source,
		FailureSink: writerOrNil(failures, hasFailures),
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv, err := server.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run(ctx)
}

func writerOrNil(w io.WriteCloser, ok bool) io.Writer {
	if !ok {
		return nil
	}
	return w
}
