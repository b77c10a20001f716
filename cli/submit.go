package cli

import (
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/server"
	"github.com/glentner/hypershell/template"
)

var submitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "Submit tasks to the database without running them",
	ArgsUsage: "[FILE]",
	Description: `Read task args line by line from FILE ("-" for stdin) and insert them
in bundles. A server started later (or already running with --forever)
schedules them.`,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "bundlesize", Aliases: []string{"b"}, Usage: "size of task bundle"},
		&cli.IntFlag{Name: "bundlewait", Aliases: []string{"w"}, Usage: "seconds to wait before flushing tasks"},
		&cli.StringFlag{Name: "template", Aliases: []string{"t"}, Usage: "submit-time command template"},
		&cli.StringSliceFlag{Name: "tag", Usage: "tag as KEY or KEY:VALUE"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runSubmit(cctx))
	},
}

func runSubmit(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.IsSet("bundlesize") {
		cfg.Submit.Bundlesize = cctx.Int("bundlesize")
	}
	if cctx.IsSet("bundlewait") {
		cfg.Submit.Bundlewait = seconds(cctx.Int("bundlewait"))
	}

	source, err := inputStream(cctx.Args().First())
	if err != nil {
		return err
	}
	defer source.Close()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var tmpl *template.Template
	if raw := cctx.String("template"); raw != "" && raw != template.DefaultTemplate {
		tmpl = template.New(raw)
	}
	submitter := server.NewSubmitter(source, store, nil, tmpl, parseTags(cctx.StringSlice("tag")),
		cfg.Submit.Bundlesize, cfg.Submit.Bundlewait.Std())
	if err := submitter.Run(ctx); err != nil {
		return err
	}
	log.Infof("Submitted %d task(s)", submitter.Submitted())
	return nil
}
