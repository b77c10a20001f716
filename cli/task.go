package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/glentner/hypershell/database"
	"github.com/glentner/hypershell/task"
)

var taskCmd = &cli.Command{
	Name:  "task",
	Usage: "Submit, inspect, and manage individual tasks",
	Subcommands: []*cli.Command{
		taskSubmitCmd,
		taskInfoCmd,
		taskWaitCmd,
		taskRunCmd,
		taskSearchCmd,
		taskUpdateCmd,
	},
}

var taskSubmitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a single task",
	ArgsUsage: "ARGS...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "tag", Usage: "tag as KEY or KEY:VALUE"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runTaskSubmit(cctx))
	},
}

func runTaskSubmit(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.NArg() == 0 {
		return usageError("missing task args")
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	t := task.New(strings.Join(cctx.Args().Slice(), " "))
	for key, value := range parseTags(cctx.StringSlice("tag")) {
		t.Tags[key] = value
	}
	if err := store.Insert(cctx.Context, []*task.Task{t}); err != nil {
		return err
	}
	fmt.Println(t.ID)
	return nil
}

var taskInfoCmd = &cli.Command{
	Name:      "info",
	Usage:     "Show task details",
	ArgsUsage: "ID",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "emit raw JSON"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runTaskInfo(cctx))
	},
}

func runTaskInfo(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.NArg() != 1 {
		return usageError("expected exactly one task ID")
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	t, err := store.Get(cctx.Context, cctx.Args().First())
	if err != nil {
		return err
	}
	if cctx.Bool("json") {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	printTask(t)
	return nil
}

func printTask(t *task.Task) {
	label := color.New(color.Faint).SprintFunc()
	fmt.Printf("%s %s\n", label("id:"), t.ID)
	fmt.Printf("%s %s\n", label("args:"), t.Args)
	if t.Command != nil {
		fmt.Printf("%s %s\n", label("command:"), *t.Command)
	}
	fmt.Printf("%s %s (%s)\n", label("submitted:"),
		t.SubmitTime.Format(time.RFC3339), humanize.Time(t.SubmitTime))
	if t.ScheduleTime != nil {
		fmt.Printf("%s %s\n", label("scheduled:"), t.ScheduleTime.Format(time.RFC3339))
	}
	if t.CompletionTime != nil {
		fmt.Printf("%s %s\n", label("completed:"), t.CompletionTime.Format(time.RFC3339))
	}
	if t.ExitStatus != nil {
		status := color.GreenString("%d", *t.ExitStatus)
		if *t.ExitStatus != 0 {
			status = color.RedString("%d", *t.ExitStatus)
		}
		fmt.Printf("%s %s\n", label("exit status:"), status)
	}
	if t.Duration != nil {
		fmt.Printf("%s %ds\n", label("duration:"), *t.Duration)
	}
	fmt.Printf("%s %d\n", label("attempt:"), t.Attempt)
	if t.PreviousID != nil {
		fmt.Printf("%s %s\n", label("previous:"), *t.PreviousID)
	}
	if len(t.Tags) > 0 {
		var tags []string
		for key, value := range t.Tags {
			if value == "" {
				tags = append(tags, key)
				continue
			}
			tags = append(tags, key+":"+value)
		}
		fmt.Printf("%s %s\n", label("tags:"), strings.Join(tags, " "))
	}
}

var taskWaitCmd = &cli.Command{
	Name:      "wait",
	Usage:     "Block until a task completes",
	ArgsUsage: "ID",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "timeout", Usage: "give up after this many seconds"},
		&cli.IntFlag{Name: "interval", Usage: "poll interval in seconds"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runTaskWait(cctx))
	},
}

func runTaskWait(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.NArg() != 1 {
		return usageError("expected exactly one task ID")
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	t, err := waitTask(cctx, store, cctx.Args().First())
	if err != nil {
		return err
	}
	printTask(t)
	return nil
}

func waitTask(cctx *cli.Context, store *database.Store, id string) (*task.Task, error) {
	interval := 5 * time.Second
	if cctx.IsSet("interval") {
		interval = time.Duration(cctx.Int("interval")) * time.Second
	}
	var deadline <-chan time.Time
	if cctx.IsSet("timeout") {
		timer := time.NewTimer(time.Duration(cctx.Int("timeout")) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		t, err := store.Get(cctx.Context, id)
		if err != nil {
			return nil, err
		}
		if t.Complete() {
			return t, nil
		}
		select {
		case <-cctx.Context.Done():
			return nil, cctx.Context.Err()
		case <-deadline:
			return nil, xerrors.Errorf("task %s: %w", id, ErrTimeout)
		case <-time.After(interval):
		}
	}
}

var taskRunCmd = &cli.Command{
	Name:      "run",
	Usage:     "Submit a task and wait for its completion",
	ArgsUsage: "ARGS...",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "timeout", Usage: "give up after this many seconds"},
		&cli.IntFlag{Name: "interval", Usage: "poll interval in seconds"},
		&cli.StringSliceFlag{Name: "tag", Usage: "tag as KEY or KEY:VALUE"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runTaskRun(cctx))
	},
}

func runTaskRun(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.NArg() == 0 {
		return usageError("missing task args")
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	t := task.New(strings.Join(cctx.Args().Slice(), " "))
	for key, value := range parseTags(cctx.StringSlice("tag")) {
		t.Tags[key] = value
	}
	if err := store.Insert(cctx.Context, []*task.Task{t}); err != nil {
		return err
	}
	log.Infof("Submitted task (%s)", t.ID)
	done, err := waitTask(cctx, store, t.ID)
	if err != nil {
		return err
	}
	if done.Outpath != nil {
		if data, err := os.ReadFile(*done.Outpath); err == nil {
			_, _ = os.Stdout.Write(data)
		}
	}
	if done.Failed() {
		return xerrors.Errorf("task %s exited %d", done.ID, *done.ExitStatus)
	}
	return nil
}

var taskSearchCmd = &cli.Command{
	Name:  "search",
	Usage: "Query tasks",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "where", Usage: "filter as FIELD=VALUE"},
		&cli.StringSliceFlag{Name: "tag", Usage: "filter by tag KEY or KEY:VALUE"},
		&cli.BoolFlag{Name: "remaining", Usage: "only incomplete tasks"},
		&cli.BoolFlag{Name: "completed", Usage: "only completed tasks"},
		&cli.BoolFlag{Name: "failed", Usage: "only failed tasks"},
		&cli.BoolFlag{Name: "succeeded", Usage: "only succeeded tasks"},
		&cli.StringFlag{Name: "order-by", Usage: "sort column"},
		&cli.BoolFlag{Name: "desc", Usage: "sort descending"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "maximum rows"},
		&cli.BoolFlag{Name: "count", Usage: "print only the match count"},
		&cli.BoolFlag{Name: "json", Usage: "emit raw JSON"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runTaskSearch(cctx))
	},
}

func runTaskSearch(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	tasks, err := store.Search(cctx.Context, database.SearchOptions{
		Where:     cctx.StringSlice("where"),
		Tags:      parseTags(cctx.StringSlice("tag")),
		Remaining: cctx.Bool("remaining"),
		Completed: cctx.Bool("completed"),
		Failed:    cctx.Bool("failed"),
		Succeeded: cctx.Bool("succeeded"),
		OrderBy:   cctx.String("order-by"),
		Desc:      cctx.Bool("desc"),
		Limit:     cctx.Int("limit"),
	})
	if err != nil {
		return err
	}
	if cctx.Bool("count") {
		fmt.Println(len(tasks))
		return nil
	}
	if cctx.Bool("json") {
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	for _, t := range tasks {
		status := "-"
		if t.ExitStatus != nil {
			status = fmt.Sprintf("%d", *t.ExitStatus)
		}
		fmt.Printf("%s  %8s  %s\n", t.ID, status, t.Args)
	}
	return nil
}

var taskUpdateCmd = &cli.Command{
	Name:      "update",
	Usage:     "Update, tag, cancel, or delete a task",
	ArgsUsage: "ID [FIELD=VALUE...]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "tag", Usage: "set tag as KEY or KEY:VALUE"},
		&cli.StringSliceFlag{Name: "remove-tag", Usage: "remove tag KEY"},
		&cli.BoolFlag{Name: "cancel", Usage: "cancel the task"},
		&cli.BoolFlag{Name: "delete", Usage: "permanently remove the task"},
		verboseFlag,
	},
	Action: func(cctx *cli.Context) error {
		return WithExitCode(runTaskUpdate(cctx))
	},
}

func runTaskUpdate(cctx *cli.Context) error {
	cfg, err := Setup(cctx)
	if err != nil {
		return err
	}
	if cctx.NArg() < 1 {
		return usageError("expected a task ID")
	}
	if cctx.Bool("cancel") && cctx.Bool("delete") {
		return usageError("cannot specify both --cancel and --delete")
	}
	store, err := database.Open(cctx.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	id := cctx.Args().First()
	switch {
	case cctx.Bool("cancel"):
		return store.Cancel(cctx.Context, id)
	case cctx.Bool("delete"):
		return store.Delete(cctx.Context, id)
	}
	fields := map[string]interface{}{}
	for _, assign := range cctx.Args().Slice()[1:] {
		field, value, ok := strings.Cut(assign, "=")
		if !ok {
			return usageError("expected FIELD=VALUE, got %q", assign)
		}
		fields[field] = value
	}
	return store.Update(cctx.Context, id, fields,
		parseTags(cctx.StringSlice("tag")), cctx.StringSlice("remove-tag"))
}

// parseTags interprets KEY or KEY:VALUE entries.
func parseTags(args []string) map[string]string {
	tags := map[string]string{}
	for _, arg := range args {
		name, value, _ := strings.Cut(strings.TrimSpace(arg), ":")
		tags[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return tags
}
