package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/webcli/internal/persistence"
)

type pythonFlags struct {
	load string
	save string
	echo bool // --print
}

// parsePythonFlags parses the optional --load/--save/--print argument
// line. --load and --save are mutually exclusive.
func parsePythonFlags(args string) (*pythonFlags, error) {
	flags := &pythonFlags{}
	fields := strings.Fields(args)
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "--load":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("--load requires a path")
			}
			i++
			flags.load = fields[i]
		case "--save":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("--save requires a path")
			}
			i++
			flags.save = fields[i]
		case "--print":
			flags.echo = true
		default:
			return nil, fmt.Errorf("unknown flag %q", fields[i])
		}
	}
	if flags.load != "" && flags.save != "" {
		return nil, fmt.Errorf("--load and --save are mutually exclusive")
	}
	return flags, nil
}

// userFilePath resolves name under the user's working directory. Absolute
// paths and escapes out of the directory are rejected.
func (h *Handler) userFilePath(user *persistence.User, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("path %q must be relative", name)
	}
	home := filepath.Join(h.usersHomeDir, fmt.Sprintf("%d", user.ID))
	resolved := filepath.Join(home, name)
	if resolved != home && !strings.HasPrefix(resolved, home+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the user directory", name)
	}
	return resolved, nil
}

func (h *Handler) handlePython(ctx context.Context, actionID int64, parsed *Request, user *persistence.User) (bool, error) {
	flags, err := parsePythonFlags(parsed.Args)
	if err != nil {
		h.logger.Warn("python flags rejected", "args", parsed.Args, "action_id", actionID, "error", err)
		if err := h.appendText(ctx, actionID, user, "text/plain", "wrong syntax"); err != nil {
			return false, err
		}
		return true, nil
	}

	source := parsed.CommandText
	switch {
	case flags.save != "":
		path, err := h.userFilePath(user, flags.save)
		if err != nil {
			if err := h.appendText(ctx, actionID, user, "text/plain", "wrong syntax"); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, fmt.Errorf("create user dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(parsed.CommandText), 0o644); err != nil {
			return false, fmt.Errorf("save user file: %w", err)
		}

	case flags.load != "":
		path, err := h.userFilePath(user, flags.load)
		if err != nil {
			if err := h.appendText(ctx, actionID, user, "text/plain", "wrong syntax"); err != nil {
				return false, err
			}
			return true, nil
		}
		loaded, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("load user file: %w", err)
		}
		// A missing file is treated as an empty prefix.
		if flags.echo {
			if err := h.appendText(ctx, actionID, user, "text/plain", string(loaded)); err != nil {
				return false, err
			}
		}
		source = string(loaded) + "\n" + parsed.CommandText
	}

	h.runCode(ctx, actionID, user, source)
	h.logger.Info("system python handled", "action_id", actionID, "user_id", user.ID)
	return true, nil
}
