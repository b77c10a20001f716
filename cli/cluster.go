package cli

import (
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/cluster"
	"github.com/glentner/hypershell/server"
)

var clusterCmd = &cli.Command{
	Name:      "cluster",
	Usage:     "Start cluster locally, over SSH, or with a custom launcher",
	ArgsUsage: "[FILE]",
	Description: `Run the server and a managed fleet of clients together. By default the
client runs in-process; --ssh, --mpi, and --launcher start remote
clients, and --autoscaling grows the fleet against task pressure.`,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "num-tasks", Aliases: []string{"N"}, Value: 1, Usage: "number of task executors per client"},
		&cli.StringFlag{Name: "template", Aliases: []string{"t"}, Usage: "command-line template pattern"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port number"},
		&cli.IntFlag{Name: "bundlesize", Aliases: []string{"b"}, Usage: "size of task bundle"},
		&cli.IntFlag{Name: "bundlewait", Aliases: []string{"w"}, Usage: "seconds to wait before flushing tasks"},
		&cli.IntFlag{Name: "max-retries", Aliases: []string{"r"}, Usage: "auto-retry failed tasks"},
		&cli.BoolFlag{Name: "eager", Usage: "schedule failed tasks before new tasks"},
		&cli.BoolFlag{Name: "no-db", Usage: "disable database (submit directly to clients)"},
		&cli.BoolFlag{Name: "initdb", Usage: "auto-initialize database"},
		&cli.BoolFlag{Name: "no-confirm", Usage: "disable confirmation of task bundle received"},
		&cli.BoolFlag{Name: "forever", Usage: "schedule forever"},
		&cli.BoolFlag{Name: "restart", Usage: "start scheduling from last completed task"},
		&cli.StringFlag{Name: "ssh", Usage: "launch clients with SSH host(s)"},
		&cli.StringFlag{Name: "ssh-args", Usage: "command-line arguments for SSH"},
		&cli.StringFlag{Name: "ssh-group", Usage: "SSH nodelist group in config"},
		&cli.BoolFlag{Name: "env", Aliases: []string{"E"}, Usage: "send environment variables"},
		&cli.BoolFlag{Name: "mpi", Usage: "same as --launcher=mpirun"},
		&cli.StringFlag{Name: "launcher", Usage: "use specific launch interface"},
		&cli.StringFlag{Name: "remote-exe", Usage: "path to executable on remote hosts"},
		&cli.IntFlag{Name: "delay-start", Aliases: []string{"d"}, Usage: "delay time for launching clients"},
		&cli.BoolFlag{Name: "capture", Aliases: []string{"c"}, Usage: "capture individual task stdout and stderr"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "file path for task outputs"},
		&cli.StringFlag{Name: "errors", Aliases: []string{"e"}, Usage: "file path for task errors"},
		&cli.StringFlag{Name: "failures", Aliases: []string{"f"}, Usage: "file path to write failed task args"},
		&cli.IntFlag{Name: "timeout", Aliases: []string{"T"}, Usage: "automatically shutdown clients if no tasks received"},
		&cli.IntFlag{Name: "task-timeout", Aliases: []string{"W"}, Usage: "task-level walltime limit"},
		&cli.IntFlag{Name: "signalwait", Aliases: []string{"S"}, Usage: "signal escalation wait period"},
		&cli.StringFlag{Name: "autoscaling", Aliases: []string{"A"}, Usage: "enable autoscaling policy (fixed or dynamic)"},
		&cli.Float64Flag{Name: "factor", Aliases: []string{"F"}, Usage: "scaling factor"},
		&cli.IntFlag{Name: "period", Aliases: []string{"P"}, Usage: "scaling period in seconds"},
		&cli.IntFlag{Name: "init-size", Aliases: []string{"I"}, Usage: "initial size of cluster"},
		&cli.IntFlag{Name: "min-size", Aliases: []string{"X"}, Usage: "minimum size of cluster"},
		&cli.IntFlag{Name: "max-size", Aliases: []string{"Y"}, Usage: "maximum size of cluster"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runCluster(cctx))
	},
}

func runCluster(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	forever := cctx.Bool("forever")
	restart := cctx.Bool("restart")
	noDb := cctx.Bool("no-db")
	autoscaling := cctx.IsSet("autoscaling")
	switch {
	case restart && noDb:
		return usageError("cannot restart without database (given --no-db)")
	case forever && noDb:
		return usageError("using --forever with --no-db is invalid")
	case forever && restart:
		return usageError("using --forever with --restart is invalid")
	case autoscaling && noDb:
		return usageError("cannot use --autoscaling without database (given --no-db)")
	case autoscaling && (cctx.IsSet("ssh") || cctx.IsSet("ssh-group")):
		return usageError("cannot use --autoscaling with --ssh mode")
	case autoscaling && cctx.Bool("mpi"):
		return usageError("cannot use --autoscaling with --mpi mode")
	case cctx.Bool("capture") && (cctx.IsSet("output") || cctx.IsSet("errors")):
		return usageError("cannot specify --capture with --output or --errors")
	}

	if cctx.IsSet("port") {
		cfg.Server.Port = cctx.Int("port")
	}
	if cctx.IsSet("bundlesize") {
		cfg.Server.Bundlesize = cctx.Int("bundlesize")
		cfg.Submit.Bundlesize = cctx.Int("bundlesize")
		cfg.Client.Bundlesize = cctx.Int("bundlesize")
	}
	if cctx.IsSet("bundlewait") {
		cfg.Submit.Bundlewait = seconds(cctx.Int("bundlewait"))
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
	if cctx.IsSet("autoscaling") && cctx.String("autoscaling") != "" {
		cfg.Autoscale.Policy = cctx.String("autoscaling")
	}
	if cctx.IsSet("factor") {
		cfg.Autoscale.Factor = cctx.Float64("factor")
	}
	if cctx.IsSet("period") {
		cfg.Autoscale.Period = seconds(cctx.Int("period"))
	}
	if cctx.IsSet("init-size") {
		cfg.Autoscale.Size.Init = cctx.Int("init-size")
	}
	if cctx.IsSet("min-size") {
		cfg.Autoscale.Size.Min = cctx.Int("min-size")
	}
	if cctx.IsSet("max-size") {
		cfg.Autoscale.Size.Max = cctx.Int("max-size")
	}

	var source io.Reader
	if !restart {
		stream, err := inputStream(cctx.Args().First())
		if err != nil {
			return err
		}
		defer stream.Close()
		source = stream
	}
	failures, hasFailures, err := outputStream(cctx.String("failures"))
	if err != nil {
		return err
	}
	if hasFailures {
		defer failures.Close()
	}
	output, hasOutput, err := outputStream(cctx.String("output"))
	if err != nil {
		return err
	}
	if !hasOutput {
		output = nopWriteCloser{os.Stdout}
	} else {
		defer output.Close()
	}
	errors, hasErrors, err := outputStream(cctx.String("errors"))
	if err != nil {
		return err
	}
	if !hasErrors {
		errors = nopWriteCloser{os.Stderr}
	} else {
		defer errors.Close()
	}

	opts := cluster.Options{
		Server: server.Options{
			Source:      source,
			Live:        noDb,
			Forever:     forever,
			Restart:     restart,
			MaxRetries:  cctx.Int("max-retries"),
			Eager:       cctx.Bool("eager"),
			FailureSink: writerOrNil(failures, hasFailures),
		},
		NumTasks:   cctx.Int("num-tasks"),
		Template:   cctx.String("template"),
		Capture:    cctx.Bool("capture"),
		NoConfirm:  cctx.Bool("no-confirm"),
		DelayStart: time.Duration(cctx.Int("delay-start")) * time.Second,
		Output:     output,
		Errors:     errors,
		RemoteExe:  cctx.String("remote-exe"),
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case autoscaling:
		opts.Launcher = cctx.String("launcher")
		return cluster.RunAutoscaling(ctx, cfg, opts)
	case cctx.IsSet("ssh") || cctx.IsSet("ssh-group"):
		var nodes cluster.NodeList
		if group := cctx.String("ssh-group"); group != "" {
			nodes, err = cluster.NodeListFromConfig(cfg, group)
		} else {
			nodes, err = cluster.NodeListFromCmdline(cctx.String("ssh"))
		}
		if err != nil {
			return err
		}
		sshArgs := cfg.SSH.Args
		if cctx.IsSet("ssh-args") {
			sshArgs = cctx.String("ssh-args")
		}
		return cluster.RunSSH(ctx, cfg, cluster.SSHOptions{
			Options:   opts,
			Nodelist:  nodes,
			SSHArgs:   sshArgs,
			ExportEnv: cctx.Bool("env"),
		})
	case cctx.Bool("mpi"):
		opts.Launcher = "mpirun"
		return cluster.RunRemote(ctx, cfg, opts)
	case cctx.IsSet("launcher"):
		opts.Launcher = cctx.String("launcher")
		return cluster.RunRemote(ctx, cfg, opts)
	default:
		return cluster.RunLocal(ctx, cfg, opts)
	}
}
