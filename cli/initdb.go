package cli

import (
	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/database"
)

var initdbCmd = &cli.Command{
	Name:  "initdb",
	Usage: "Initialize the database schema",
	Description: `Embedded (sqlite) databases are initialized automatically on first use;
server backends require this explicit step.`,
	Flags: []cli.Flag{verboseFlag},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runInitdb(cctx))
	},
}

func runInitdb(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(cctx.Context); err != nil {
		return err
	}
	log.Info("Database initialized")
	return nil
}
