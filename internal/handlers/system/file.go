package system

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.starlark.net/starlark"
)

// cliOpen opens a file scoped under the user's working directory and
// returns a file value with read/write/close methods. Absolute paths are
// rejected.
func (h *Handler) cliOpen(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	mode := "r"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "mode?", &mode); err != nil {
		return nil, err
	}
	inv, err := invocationFrom(thread)
	if err != nil {
		return nil, err
	}

	resolved, err := h.userFilePath(inv.user, path)
	if err != nil {
		return nil, fmt.Errorf("cli_open: %w", err)
	}

	var f *os.File
	switch mode {
	case "r":
		f, err = os.Open(resolved)
	case "w":
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, fmt.Errorf("cli_open: %w", err)
		}
		f, err = os.Create(resolved)
	case "a":
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, fmt.Errorf("cli_open: %w", err)
		}
		f, err = os.OpenFile(resolved, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	default:
		return nil, fmt.Errorf("cli_open: unsupported mode %q", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("cli_open: %w", err)
	}
	return &fileValue{name: path, mode: mode, f: f}, nil
}

// fileValue is the interpreter-visible file object.
type fileValue struct {
	name string
	mode string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

func (fv *fileValue) String() string        { return fmt.Sprintf("<file %q mode=%q>", fv.name, fv.mode) }
func (fv *fileValue) Type() string          { return "file" }
func (fv *fileValue) Freeze()               {}
func (fv *fileValue) Truth() starlark.Bool  { return starlark.True }
func (fv *fileValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: file") }

func (fv *fileValue) AttrNames() []string {
	return []string{"close", "read", "write"}
}

func (fv *fileValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "read":
		return starlark.NewBuiltin("read", fv.read), nil
	case "write":
		return starlark.NewBuiltin("write", fv.write), nil
	case "close":
		return starlark.NewBuiltin("close", fv.closeFn), nil
	}
	return nil, nil
}

func (fv *fileValue) read(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	fv.mu.Lock()
	defer fv.mu.Unlock()
	if fv.closed {
		return nil, fmt.Errorf("read: file is closed")
	}
	data, err := io.ReadAll(fv.f)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return starlark.String(data), nil
}

func (fv *fileValue) write(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var content starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "content", &content); err != nil {
		return nil, err
	}
	fv.mu.Lock()
	defer fv.mu.Unlock()
	if fv.closed {
		return nil, fmt.Errorf("write: file is closed")
	}

	var data []byte
	switch v := content.(type) {
	case starlark.String:
		data = []byte(v)
	case starlark.Bytes:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("write: content has wrong type: %s", content.Type())
	}
	n, err := fv.f.Write(data)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return starlark.MakeInt(n), nil
}

func (fv *fileValue) closeFn(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	fv.mu.Lock()
	defer fv.mu.Unlock()
	if !fv.closed {
		fv.closed = true
		if err := fv.f.Close(); err != nil {
			return nil, fmt.Errorf("close: %w", err)
		}
	}
	return starlark.None, nil
}

var _ starlark.HasAttrs = (*fileValue)(nil)
