// Package system implements the built-in action handler: html, markdown,
// and mermaid passthroughs, per-user handler configuration verbs, and a
// per-user persistent code interpreter.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/webcli/internal/engine"
	"github.com/basket/webcli/internal/persistence"
)

const requestSchemaJSON = `{
	"type": "object",
	"required": ["type", "command_text", "args"],
	"properties": {
		"type": {"enum": ["config", "mermaid", "html", "markdown", "python"]},
		"command_text": {"type": "string"},
		"args": {"type": "string"}
	}
}`

// Request is the wire shape the system handler accepts.
type Request struct {
	Type        string `json:"type"`
	CommandText string `json:"command_text"`
	Args        string `json:"args"`
}

// Handler is the system action handler.
type Handler struct {
	logger       *slog.Logger
	usersHomeDir string
	agentFactory AgentFactory

	svc      engine.Service
	schema   *jsonschema.Schema
	sessions *sessionMap
}

// Options configures the handler.
type Options struct {
	// UsersHomeDir is the parent of all per-user working directories.
	UsersHomeDir string

	// AgentFactory backs the interpreter's create_ai_agent builtin. Nil
	// leaves the builtin reporting that no agent is configured.
	AgentFactory AgentFactory
}

// New builds the handler. The request schema is compiled once here.
func New(logger *slog.Logger, opts Options) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("request.json", doc); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	schema, err := c.Compile("request.json")
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return &Handler{
		logger:       logger,
		usersHomeDir: opts.UsersHomeDir,
		agentFactory: opts.AgentFactory,
		schema:       schema,
		sessions:     newSessionMap(),
	}, nil
}

func (h *Handler) parseRequest(request json.RawMessage) (*Request, bool) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(request)))
	if err != nil {
		return nil, false
	}
	if err := h.schema.Validate(doc); err != nil {
		return nil, false
	}
	var parsed Request
	if err := json.Unmarshal(request, &parsed); err != nil {
		return nil, false
	}
	return &parsed, true
}

// CanHandle accepts any request matching the system request schema.
func (h *Handler) CanHandle(request json.RawMessage) bool {
	_, ok := h.parseRequest(request)
	return ok
}

// Startup keeps the engine façade.
func (h *Handler) Startup(svc engine.Service) error {
	h.svc = svc
	return nil
}

// Shutdown discards all interpreter sessions.
func (h *Handler) Shutdown() error {
	h.sessions.clear()
	return nil
}

// Handle dispatches on the request verb. Every branch reports completion
// through its return value.
func (h *Handler) Handle(ctx context.Context, actionID int64, request json.RawMessage, user *persistence.User, config map[string]any) (bool, error) {
	parsed, ok := h.parseRequest(request)
	if !ok {
		// CanHandle accepted this request, so a parse failure here means
		// the payload changed between dispatch and handling.
		return true, fmt.Errorf("unparseable system request for action %d", actionID)
	}

	switch parsed.Type {
	case "html":
		return h.handlePassthrough(ctx, actionID, parsed, user, "text/html")
	case "markdown":
		return h.handlePassthrough(ctx, actionID, parsed, user, "text/markdown")
	case "mermaid":
		return h.handlePassthrough(ctx, actionID, parsed, user, "application/x-webcli-mermaid")
	case "config":
		return h.handleConfig(ctx, actionID, parsed, user)
	case "python":
		return h.handlePython(ctx, actionID, parsed, user)
	default:
		return true, fmt.Errorf("unexpected system request type %q", parsed.Type)
	}
}

func (h *Handler) handlePassthrough(ctx context.Context, actionID int64, parsed *Request, user *persistence.User, mime string) (bool, error) {
	if err := h.appendText(ctx, actionID, user, mime, parsed.CommandText); err != nil {
		return false, err
	}
	h.logger.Info("system passthrough handled", "type", parsed.Type, "action_id", actionID, "user_id", user.ID)
	return true, nil
}

func (h *Handler) handleConfig(ctx context.Context, actionID int64, parsed *Request, user *persistence.User) (bool, error) {
	fields := strings.Fields(parsed.Args)
	if len(fields) != 2 || (fields[0] != "set" && fields[0] != "get") {
		if err := h.appendText(ctx, actionID, user, "text/plain", "usage: config <set|get> <handler_name>"); err != nil {
			return false, err
		}
		return true, nil
	}
	verb, handlerName := fields[0], fields[1]

	switch verb {
	case "get":
		config, err := h.svc.GetActionHandlerUserConfig(ctx, handlerName, user)
		if err != nil {
			return false, err
		}
		pretty, err := json.MarshalIndent(config, "", "    ")
		if err != nil {
			return false, fmt.Errorf("encode config: %w", err)
		}
		if err := h.appendText(ctx, actionID, user, "text/plain", string(pretty)); err != nil {
			return false, err
		}

	case "set":
		var config map[string]any
		if err := json.Unmarshal([]byte(parsed.CommandText), &config); err != nil {
			if err := h.appendText(ctx, actionID, user, "text/plain", "config content MUST be JSON format, please retry!"); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := h.svc.SetActionHandlerUserConfig(ctx, handlerName, user, config); err != nil {
			return false, err
		}
		pretty, err := json.MarshalIndent(config, "", "    ")
		if err != nil {
			return false, fmt.Errorf("encode config: %w", err)
		}
		if err := h.appendText(ctx, actionID, user, "text/plain", string(pretty)); err != nil {
			return false, err
		}
	}
	h.logger.Info("system config handled", "verb", verb, "handler", handlerName, "action_id", actionID, "user_id", user.ID)
	return true, nil
}

func (h *Handler) appendText(ctx context.Context, actionID int64, user *persistence.User, mime, text string) error {
	_, err := h.svc.AppendResponseToAction(ctx, actionID, mime, &text, nil, user)
	return err
}

var _ engine.Handler = (*Handler)(nil)
