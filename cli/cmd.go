package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/lib/hslog"
	"github.com/glentner/hypershell/metrics"
)

var log = logging.Logger("cli")

// Commands is the full operator surface, assembled by cmd/hs.
var Commands = []*cli.Command{
	clusterCmd,
	serverCmd,
	clientCmd,
	submitCmd,
	initdbCmd,
	taskCmd,
	configCmd,
}

// Setup loads the layered configuration, applies logging setup, and
// registers the metrics views. Every command calls this first.
func Setup(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cctx.IsSet("verbose") {
		cfg.Logging.Level = "debug"
	}
	hslog.SetupLogLevels(normalizeLevel(cfg.Logging.Level), cfg.Logging.Style)
	if err := metrics.Register(); err != nil {
		log.Debug("Could not register metrics views: ", err)
	}
	return cfg, nil
}

// go-log uses "warn"; the original configuration says "warning"
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "warning":
		return "warn"
	case "critical":
		return "error"
	case "trace":
		return "debug"
	default:
		return strings.ToLower(level)
	}
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "enable debug logging",
}

// inputStream opens the task source: "-" or empty means stdin.
func inputStream(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", path, err)
	}
	return file, nil
}

// outputStream opens a write path: "-" means stdout, empty means none.
func outputStream(path string) (io.WriteCloser, bool, error) {
	switch path {
	case "":
		return nil, false, nil
	case "-":
		return nopWriteCloser{os.Stdout}, true, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, false, fmt.Errorf("open output %s: %w", path, err)
	}
	return file, true, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func seconds(n int) config.Duration {
	return config.Duration(time.Duration(n) * time.Second)
}
