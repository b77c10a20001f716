package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportPrefix marks operator environment variables forwarded into every
// task environment with the prefix stripped.
const ExportPrefix = "HYPERSHELL_EXPORT_"

// Env builds the environment for a task process: the parent environment,
// operator HYPERSHELL_EXPORT_* variables, and the TASK_* metadata set.
func Env(t *Task, cwd string, libDir string) []string {
	env := os.Environ()
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if ok && strings.HasPrefix(name, ExportPrefix) {
			env = append(env, strings.TrimPrefix(name, ExportPrefix)+"="+value)
		}
	}
	outpath := valueOr(t.Outpath, filepath.Join(libDir, "task", t.ID+".out"))
	errpath := valueOr(t.Errpath, filepath.Join(libDir, "task", t.ID+".err"))
	meta := map[string]string{
		"TASK_ID":            t.ID,
		"TASK_ARGS":          t.Args,
		"TASK_COMMAND":       valueOr(t.Command, ""),
		"TASK_SUBMIT_ID":     t.SubmitID,
		"TASK_SUBMIT_HOST":   t.SubmitHost,
		"TASK_SUBMIT_TIME":   formatTime(&t.SubmitTime),
		"TASK_SERVER_ID":     valueOr(t.ServerID, ""),
		"TASK_SERVER_HOST":   valueOr(t.ServerHost, ""),
		"TASK_SCHEDULE_TIME": formatTime(t.ScheduleTime),
		"TASK_CLIENT_ID":     valueOr(t.ClientID, ""),
		"TASK_CLIENT_HOST":   valueOr(t.ClientHost, ""),
		"TASK_ATTEMPT":       fmt.Sprintf("%d", t.Attempt),
		"TASK_PREVIOUS_ID":   valueOr(t.PreviousID, ""),
		"TASK_CWD":           cwd,
		"TASK_START_TIME":    formatTime(t.StartTime),
		"TASK_WAITED":        formatInt(t.Waited),
		"TASK_OUTPATH":       outpath,
		"TASK_ERRPATH":       errpath,
	}
	for key, value := range t.Tags {
		meta["TASK_TAG_"+strings.ToUpper(key)] = value
	}
	for name, value := range meta {
		env = append(env, name+"="+value)
	}
	return env
}

func valueOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}

func formatTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.Format(time.RFC3339)
}

func formatInt(value *int64) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%d", *value)
}
