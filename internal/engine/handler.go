package engine

import (
	"context"
	"encoding/json"

	"github.com/basket/webcli/internal/persistence"
)

// Service is the narrow façade the engine hands to handlers at startup.
// Handlers mutate state only through it; response chunks and completions
// written here are also announced on the notification bus.
type Service interface {
	// AppendResponseToAction persists one response chunk and notifies
	// every thread hosting the action. Exactly one of textContent and
	// binaryContent must be set.
	AppendResponseToAction(ctx context.Context, actionID int64, mime string, textContent *string, binaryContent []byte, user *persistence.User) (*persistence.ResponseChunk, error)

	// CompleteAction transitions the action to completed and notifies
	// every hosting thread. Completing twice fails.
	CompleteAction(ctx context.Context, actionID int64, user *persistence.User) error

	// GetActionHandlerUserConfig reads the per-user configuration for a
	// handler; empty map when absent.
	GetActionHandlerUserConfig(ctx context.Context, handlerName string, user *persistence.User) (map[string]any, error)

	// SetActionHandlerUserConfig upserts the per-user configuration.
	SetActionHandlerUserConfig(ctx context.Context, handlerName string, user *persistence.User, config map[string]any) error

	// GetActionHandler returns a registered handler by name, or nil.
	GetActionHandler(name string) Handler
}

// Handler is a pluggable action processor.
type Handler interface {
	// CanHandle reports whether this handler accepts the request. It must
	// be pure: no state mutation, no blocking.
	CanHandle(request json.RawMessage) bool

	// Startup is called once at engine start, in registration order.
	// Handlers typically keep the Service façade.
	Startup(svc Service) error

	// Shutdown is called once at engine stop, in reverse order.
	Shutdown() error

	// Handle runs on a worker. Returning done=true asks the engine to
	// complete the action immediately; done=false means the handler owns
	// completion (e.g. a background continuation) and will call
	// Service.CompleteAction itself.
	Handle(ctx context.Context, actionID int64, request json.RawMessage, user *persistence.User, handlerUserConfig map[string]any) (done bool, err error)
}
