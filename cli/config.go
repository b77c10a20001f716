package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/template"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Inspect and edit configuration",
	Subcommands: []*cli.Command{
		configGetCmd,
		configSetCmd,
		configEditCmd,
		configWhichCmd,
	},
}

var scopeFlags = []cli.Flag{
	&cli.BoolFlag{Name: "system", Usage: "apply to the system configuration"},
	&cli.BoolFlag{Name: "user", Usage: "apply to the user configuration (default)"},
	&cli.BoolFlag{Name: "local", Usage: "apply to the local configuration"},
}

func scopePath(cctx *cli.Context) string {
	switch {
	case cctx.Bool("system"):
		return config.SystemPath()
	case cctx.Bool("local"):
		return config.LocalPath()
	default:
		return config.UserPath()
	}
}

var configGetCmd = &cli.Command{
	Name:      "get",
	Usage:     "Print the effective value of an option",
	ArgsUsage: "[KEY]",
	Flags:     []cli.Flag{verboseFlag},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runConfigGet(cctx))
	},
}

func runConfigGet(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.NArg() == 0 {
		for _, key := range config.Keys(cfg) {
			value, err := config.Get(cfg, key)
			if err != nil {
				continue
			}
			fmt.Printf("%s = %v\n", key, value)
		}
		return nil
	}
	value, err := config.Get(cfg, cctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("%v\n", value)
	return nil
}

var configSetCmd = &cli.Command{
	Name:      "set",
	Usage:     "Write an option into a configuration file",
	ArgsUsage: "KEY VALUE",
	Flags:     append([]cli.Flag{verboseFlag}, scopeFlags...),
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runConfigSet(cctx))
	},
}

func runConfigSet(cctx *cli.Context) error {
	if _, err := Setup(cctx); err != nil {
		return err
	}
	if cctx.NArg() != 2 {
		return usageError("expected KEY and VALUE")
	}
	key := cctx.Args().Get(0)
	value := template.Coerce(cctx.Args().Get(1))
	if value == nil {
		value = cctx.Args().Get(1)
	}
	return config.Set(scopePath(cctx), key, value)
}

var configEditCmd = &cli.Command{
	Name:  "edit",
	Usage: "Open a configuration file in $EDITOR",
	Flags: append([]cli.Flag{verboseFlag}, scopeFlags...),
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runConfigEdit(cctx))
	},
}

func runConfigEdit(cctx *cli.Context) error {
	path := scopePath(cctx)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

var configWhichCmd = &cli.Command{
	Name:      "which",
	Usage:     "Report which layer provides an option",
	ArgsUsage: "KEY",
	Flags:     []cli.Flag{verboseFlag},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runConfigWhich(cctx))
	},
}

func runConfigWhich(cctx *cli.Context) error {
	if _, err := Setup(cctx); err != nil {
		return err
	}
	if cctx.NArg() != 1 {
		return usageError("expected a KEY")
	}
	layer, err := config.Which(cctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(layer)
	return nil
}
