package template

import (
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// DefaultTemplate substitutes the input arguments verbatim.
const DefaultTemplate = "{}"

// Matched in template and expanded accordingly
var pattern = regexp.MustCompile(`\{(.*?)\}`)

var (
	slicePattern  = regexp.MustCompile(`^\[(.*?)]$`)
	lambdaPattern = regexp.MustCompile(`^=(.*?)=$`)
	shellPattern  = regexp.MustCompile(`^%(.*?)%$`)
)

// Error is the base for all template failures; tasks that trip one are
// marked failed without being spawned.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "template: " + e.Message }

// UnmatchedPattern indicates a pattern with no implemented expansion.
type UnmatchedPattern struct{ err Error }

func (e *UnmatchedPattern) Error() string { return e.err.Error() }

// FailedExpansion indicates a pattern that could not be applied to the
// given input arguments.
type FailedExpansion struct{ err Error }

func (e *FailedExpansion) Error() string { return e.err.Error() }

func unmatched(format string, args ...interface{}) error {
	return &UnmatchedPattern{Error{Message: fmt.Sprintf(format, args...)}}
}

func failed(format string, args ...interface{}) error {
	return &FailedExpansion{Error{Message: fmt.Sprintf(format, args...)}}
}

// Template manages expansion of a command-line pattern against task args.
type Template struct {
	raw string
}

// New compiles a template. The raw pattern is kept verbatim; expansion
// errors surface per-task at expand time.
func New(raw string) *Template {
	return &Template{raw: raw}
}

func (t *Template) String() string { return t.raw }

// Expand applies the template against the input args.
func (t *Template) Expand(args string) (string, error) {
	matches := pattern.FindAllStringSubmatchIndex(t.raw, -1)
	if matches == nil {
		return t.raw, nil
	}
	var out strings.Builder
	index := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		key := strings.TrimSpace(t.raw[match[2]:match[3]])
		expanded, err := expandKey(args, key, start)
		if err != nil {
			return "", err
		}
		out.WriteString(t.raw[index:start])
		out.WriteString(expanded)
		index = end
	}
	out.WriteString(t.raw[index:])
	return out.String(), nil
}

func expandKey(args string, key string, start int) (string, error) {
	switch key {
	case "":
		return args, nil
	case ".":
		return filepath.Dir(args), nil
	case "..":
		return filepath.Dir(filepath.Dir(args)), nil
	case "/":
		return filepath.Base(args), nil
	case "/-":
		base, _ := splitExt(filepath.Base(args))
		return base, nil
	case "-":
		base, _ := splitExt(args)
		return base, nil
	case "+":
		_, ext := splitExt(args)
		return ext, nil
	case "++":
		_, ext := splitExt(args)
		return strings.TrimPrefix(ext, "."), nil
	}
	if m := slicePattern.FindStringSubmatch(key); m != nil {
		result, err := expandSlice(args, m[1])
		if err != nil {
			return "", failed("could not expand '{%s}' for args (%s): %v", key, args, err)
		}
		return result, nil
	}
	if m := lambdaPattern.FindStringSubmatch(key); m != nil {
		result, err := expandLambda(args, m[1])
		if err != nil {
			return "", failed("could not expand '{%s}' for args (%s): %v", key, args, err)
		}
		return result, nil
	}
	if m := shellPattern.FindStringSubmatch(key); m != nil {
		result, err := expandShell(args, m[1])
		if err != nil {
			return "", failed("could not expand '{%s}' for args (%s): %v", key, args, err)
		}
		return result, nil
	}
	return "", unmatched("'{%s}' in template (at position %d)", key, start)
}

// splitExt mirrors os.path.splitext: a leading dot alone does not make an
// extension.
func splitExt(path string) (string, string) {
	base := filepath.Base(path)
	dot := strings.LastIndex(base, ".")
	if dot <= 0 {
		return path, ""
	}
	ext := base[dot:]
	return strings.TrimSuffix(path, ext), ext
}

// expandSlice applies [start][:stop][:step] over whitespace-split args,
// 0-indexed, negative from the end, end-exclusive.
func expandSlice(args string, key string) (string, error) {
	chunks := strings.Fields(args)
	parts := strings.Split(key, ":")
	if len(parts) > 3 {
		return "", fmt.Errorf("invalid slice expression '%s'", key)
	}
	indices := make([]*int, 3)
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return "", fmt.Errorf("invalid slice expression '%s'", key)
		}
		indices[i] = &value
	}
	if len(parts) == 1 {
		if indices[0] == nil {
			return "", fmt.Errorf("invalid slice expression '%s'", key)
		}
		i := *indices[0]
		if i < 0 {
			i += len(chunks)
		}
		if i < 0 || i >= len(chunks) {
			return "", fmt.Errorf("index %d out of range", *indices[0])
		}
		return chunks[i], nil
	}
	start, stop, step := 0, len(chunks), 1
	if indices[2] != nil {
		step = *indices[2]
		if step < 1 {
			return "", fmt.Errorf("invalid slice step in '%s'", key)
		}
	}
	if indices[0] != nil {
		start = clampIndex(*indices[0], len(chunks))
	}
	if indices[1] != nil {
		stop = clampIndex(*indices[1], len(chunks))
	}
	var selected []string
	for i := start; i < stop; i += step {
		selected = append(selected, chunks[i])
	}
	return strings.Join(selected, " "), nil
}

func clampIndex(i, length int) int {
	if i < 0 {
		i += length
	}
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}

// expandShell runs the key as a shell command with @ replaced by args and
// splices the trimmed stdout.
func expandShell(args string, key string) (string, error) {
	command := strings.ReplaceAll(key, "@", args)
	out, err := exec.Command("/bin/sh", "-c", command).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// expandLambda evaluates the key as an expression with free variable x
// bound to the coerced args. The environment exposes only path helpers,
// math, and a minimal datetime.
func expandLambda(args string, key string) (string, error) {
	env := map[string]interface{}{
		"x": Coerce(args),
		"path": map[string]interface{}{
			"basename": func(s string) string { return filepath.Base(s) },
			"dirname":  func(s string) string { return filepath.Dir(s) },
			"join":     func(parts ...string) string { return filepath.Join(parts...) },
			"splitext": func(s string) []string {
				base, ext := splitExt(s)
				return []string{base, ext}
			},
		},
		"math": map[string]interface{}{
			"floor": math.Floor,
			"ceil":  math.Ceil,
			"sqrt":  math.Sqrt,
			"log":   math.Log,
			"log2":  math.Log2,
			"log10": math.Log10,
			"pow":   math.Pow,
			"pi":    math.Pi,
			"e":     math.E,
		},
		"dt": map[string]interface{}{
			"now": func() string { return time.Now().Format(time.RFC3339) },
		},
	}
	program, err := expr.Compile(key, expr.Env(env))
	if err != nil {
		return "", err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return "", err
	}
	return formatValue(result), nil
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatFloat(v, 'f', 1, 64)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Coerce converts a string to the richest value it parses as: integer,
// float, null, boolean, or the string itself.
func Coerce(value string) interface{} {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	switch strings.ToLower(value) {
	case "null", "none":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	return value
}
