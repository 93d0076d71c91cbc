package system

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/basket/webcli/internal/persistence"
)

// AgentFactory backs the interpreter's create_ai_agent builtin. The LLM
// client itself lives outside the core; this hook is how a deployment
// plugs one in.
type AgentFactory func(ctx context.Context, user *persistence.User) (starlark.Value, error)

const invocationKey = "webcli.invocation"

// invocation carries the current action's identity into interpreter
// builtins via a thread local, never a global.
type invocation struct {
	ctx      context.Context
	actionID int64
	user     *persistence.User
}

func invocationFrom(thread *starlark.Thread) (*invocation, error) {
	inv, ok := thread.Local(invocationKey).(*invocation)
	if !ok {
		return nil, fmt.Errorf("no invocation bound to interpreter thread")
	}
	return inv, nil
}

// session is one user's persistent interpreter: bindings introduced by an
// earlier action remain visible to later ones. The per-session mutex
// serializes evaluations for the same user; different users run in
// parallel.
type session struct {
	mu      sync.Mutex
	globals starlark.StringDict
}

type sessionMap struct {
	mu       sync.Mutex
	sessions map[int64]*session
}

func newSessionMap() *sessionMap {
	return &sessionMap{sessions: make(map[int64]*session)}
}

func (m *sessionMap) get(userID int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &session{globals: starlark.StringDict{}}
		m.sessions[userID] = s
	}
	return s
}

func (m *sessionMap) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[int64]*session)
}

// fileOptions permits the REPL-style constructs user code relies on:
// top-level control flow, reassignment, while, recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// runCode evaluates source in the user's session. print() output and any
// evaluation error are captured and appended as a single trailing
// text/plain chunk.
func (h *Handler) runCode(ctx context.Context, actionID int64, user *persistence.User, source string) {
	sess := h.sessions.get(user.ID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var out strings.Builder
	thread := &starlark.Thread{
		Name: fmt.Sprintf("user-%d", user.ID),
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteByte('\n')
		},
	}
	thread.SetLocal(invocationKey, &invocation{ctx: ctx, actionID: actionID, user: user})

	env := starlark.StringDict{
		"cli_print":       starlark.NewBuiltin("cli_print", h.cliPrint),
		"cli_open":        starlark.NewBuiltin("cli_open", h.cliOpen),
		"create_ai_agent": starlark.NewBuiltin("create_ai_agent", h.createAIAgent),
	}
	for name, value := range sess.globals {
		env[name] = value
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, fmt.Sprintf("action_%d", actionID), source, env)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			out.WriteString(evalErr.Backtrace())
		} else {
			out.WriteString(err.Error())
		}
		out.WriteByte('\n')
	}
	for name, value := range globals {
		sess.globals[name] = value
	}

	if text := out.String(); text != "" {
		if _, err := h.svc.AppendResponseToAction(ctx, actionID, "text/plain", &text, nil, user); err != nil {
			h.logger.Error("append interpreter output failed", "action_id", actionID, "error", err)
		}
	}
}

// cliPrint appends a response chunk from user code. Strings and dicts
// produce text chunks (dicts are JSON-stringified); bytes produce binary
// chunks.
func (h *Handler) cliPrint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var content starlark.Value
	mime := "text/html"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "content", &content, "mime?", &mime); err != nil {
		return nil, err
	}
	inv, err := invocationFrom(thread)
	if err != nil {
		return nil, err
	}

	switch v := content.(type) {
	case starlark.String:
		text := string(v)
		if _, err := h.svc.AppendResponseToAction(inv.ctx, inv.actionID, mime, &text, nil, inv.user); err != nil {
			return nil, err
		}
	case starlark.Bytes:
		if _, err := h.svc.AppendResponseToAction(inv.ctx, inv.actionID, mime, nil, []byte(v), inv.user); err != nil {
			return nil, err
		}
	case *starlark.Dict:
		goValue, err := starlarkToGo(v)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(goValue)
		if err != nil {
			return nil, fmt.Errorf("cli_print: encode dict: %w", err)
		}
		text := string(encoded)
		if _, err := h.svc.AppendResponseToAction(inv.ctx, inv.actionID, mime, &text, nil, inv.user); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cli_print: content has wrong type: %s", content.Type())
	}
	return starlark.None, nil
}

// createAIAgent delegates to the injected factory.
func (h *Handler) createAIAgent(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if h.agentFactory == nil {
		return nil, fmt.Errorf("create_ai_agent: ai agent is not configured")
	}
	inv, err := invocationFrom(thread)
	if err != nil {
		return nil, err
	}
	return h.agentFactory(inv.ctx, inv.user)
}

// starlarkToGo converts a starlark value into a JSON-encodable Go value.
func starlarkToGo(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return v.String(), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := starlarkToGo(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			value, err := starlarkToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %s value", v.Type())
	}
}
