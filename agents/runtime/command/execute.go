package command

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

// Result is the outcome of executing a Command: POSIX-style stdout/stderr
// text plus an exit code. ExitCode == 0 means success. A non-zero ExitCode
// is a legitimate command outcome (file not found, directory not empty,
// ...), not a Go error; path-resolution and parse failures are Go errors
// instead since they never reach "running" a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func fail(format string, args ...any) Result {
	return Result{Stderr: fmt.Sprintf(format, args...), ExitCode: 1}
}

func ok(stdout string) Result {
	return Result{Stdout: stdout, ExitCode: 0}
}

// Execute runs cmd against the workspace rooted at root (which must already
// be canonicalized, e.g. by workspace.Manager.GetWorkspace). root itself is
// never escaped: every path argument is resolved through resolvePath first.
func Execute(root string, cmd *Command) (Result, error) {
	switch cmd.Name {
	case "pwd":
		return ok(root + "\n"), nil
	case "echo":
		return ok(strings.Join(cmd.Args, " ") + "\n"), nil
	case "ls":
		return execLs(root, cmd.Args)
	case "cat":
		return execCat(root, cmd.Args)
	case "head":
		return execHeadTail(root, cmd.Args, true)
	case "tail":
		return execHeadTail(root, cmd.Args, false)
	case "wc":
		return execWc(root, cmd.Args)
	case "mkdir":
		return execMkdir(root, cmd.Args)
	case "rm":
		return execRm(root, cmd.Args)
	case "cp":
		return execCp(root, cmd.Args)
	case "mv":
		return execMv(root, cmd.Args)
	case "touch":
		return execTouch(root, cmd.Args)
	case "grep":
		return execGrep(root, cmd.Args)
	case "find":
		return execFind(root, cmd.Args)
	default:
		return Result{}, apperrors.Validation("unknown command: "+cmd.Name, nil)
	}
}

func execLs(root string, args []string) (Result, error) {
	target := root
	if len(args) > 0 {
		resolved, err := resolvePath(root, args[0])
		if err != nil {
			return Result{}, err
		}
		target = resolved
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return fail("ls: %v", err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return ok(strings.Join(names, "\n") + "\n"), nil
}

func execCat(root string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, apperrors.Validation("cat: missing file operand", nil)
	}
	var sb strings.Builder
	for _, a := range args {
		path, err := resolvePath(root, a)
		if err != nil {
			return Result{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fail("cat: %v", err), nil
		}
		sb.Write(data)
	}
	return ok(sb.String()), nil
}

func execHeadTail(root string, args []string, head bool) (Result, error) {
	n := 10
	if len(args) == 0 {
		return Result{}, apperrors.Validation("missing file operand", nil)
	}
	fileArg := args[len(args)-1]
	if len(args) >= 2 {
		if parsed, err := strconv.Atoi(args[0]); err == nil {
			n = parsed
		}
	}
	path, err := resolvePath(root, fileArg)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail("%v", err), nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	if head {
		if n < len(lines) {
			lines = lines[:n]
		}
	} else {
		if n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	return ok(strings.Join(lines, "\n") + "\n"), nil
}

func execWc(root string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, apperrors.Validation("wc: missing file operand", nil)
	}
	path, err := resolvePath(root, args[0])
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail("wc: %v", err), nil
	}
	lines := strings.Count(string(data), "\n")
	words := len(strings.Fields(string(data)))
	bytesCount := len(data)
	return ok(fmt.Sprintf("%8d %8d %8d %s\n", lines, words, bytesCount, args[0])), nil
}

func execMkdir(root string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, apperrors.Validation("mkdir: missing operand", nil)
	}
	path, err := resolvePath(root, args[0])
	if err != nil {
		return Result{}, err
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return fail("mkdir: %v", err), nil
	}
	return ok(""), nil
}

func execRm(root string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, apperrors.Validation("rm: missing operand", nil)
	}
	path, err := resolvePath(root, args[0])
	if err != nil {
		return Result{}, err
	}
	if err := os.Remove(path); err != nil {
		return fail("rm: %v", err), nil
	}
	return ok(""), nil
}

func execCp(root string, args []string) (Result, error) {
	if len(args) != 2 {
		return Result{}, apperrors.Validation("cp: requires source and destination", nil)
	}
	src, err := resolvePath(root, args[0])
	if err != nil {
		return Result{}, err
	}
	dst, err := resolvePath(root, args[1])
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fail("cp: %v", err), nil
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fail("cp: %v", err), nil
	}
	return ok(""), nil
}

func execMv(root string, args []string) (Result, error) {
	if len(args) != 2 {
		return Result{}, apperrors.Validation("mv: requires source and destination", nil)
	}
	src, err := resolvePath(root, args[0])
	if err != nil {
		return Result{}, err
	}
	dst, err := resolvePath(root, args[1])
	if err != nil {
		return Result{}, err
	}
	if err := os.Rename(src, dst); err != nil {
		return fail("mv: %v", err), nil
	}
	return ok(""), nil
}

func execTouch(root string, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, apperrors.Validation("touch: missing operand", nil)
	}
	path, err := resolvePath(root, args[0])
	if err != nil {
		return Result{}, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			return fail("touch: %v", err), nil
		}
		return ok(""), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fail("touch: %v", err), nil
	}
	_ = f.Close()
	return ok(""), nil
}

func execGrep(root string, args []string) (Result, error) {
	if len(args) < 2 {
		return Result{}, apperrors.Validation("grep: requires pattern and file", nil)
	}
	pattern := args[0]
	path, err := resolvePath(root, args[1])
	if err != nil {
		return Result{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return fail("grep: %v", err), nil
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	matched := false
	for scanner.Scan() {
		line := scanner.Text()
		if containsGlob(pattern, line) {
			sb.WriteString(line)
			sb.WriteByte('\n')
			matched = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fail("grep: %v", err), nil
	}
	if !matched {
		return Result{ExitCode: 1}, nil
	}
	return ok(sb.String()), nil
}

func execFind(root string, args []string) (Result, error) {
	start := root
	pattern := "*"
	switch len(args) {
	case 0:
	case 1:
		pattern = args[0]
	default:
		resolved, err := resolvePath(root, args[0])
		if err != nil {
			return Result{}, err
		}
		start = resolved
		pattern = args[1]
	}

	var sb strings.Builder
	err := filepath.Walk(start, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if matchGlob(pattern, info.Name()) {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			sb.WriteString(rel)
			sb.WriteByte('\n')
		}
		return nil
	})
	if err != nil {
		return fail("find: %v", err), nil
	}
	return ok(sb.String()), nil
}
