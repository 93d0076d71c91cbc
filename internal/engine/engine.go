// Package engine is the action execution core: it routes submitted
// requests to the first accepting handler, runs handlers on a bounded
// worker pool, persists their output, and fans notifications out to every
// thread hosting an action.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/webcli/internal/bus"
	"github.com/basket/webcli/internal/otel"
	"github.com/basket/webcli/internal/persistence"
)

// ErrNoHandler reports a request that no registered handler accepts.
var ErrNoHandler = errors.New("no handler accepts this request")

// TopicForThread names the bus topic carrying a thread's notifications.
func TopicForThread(threadID int64) string {
	return fmt.Sprintf("topic-%d", threadID)
}

// binaryExtensions maps mime types the engine materializes into the
// resource directory to their file extension.
var binaryExtensions = map[string]string{
	"image/png": "png",
}

type registeredHandler struct {
	name    string
	handler Handler
}

// Engine owns the handler registry, the worker pool, and the append /
// complete mutation paths.
type Engine struct {
	store       *persistence.Store
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics
	resourceDir string

	handlers []registeredHandler
	pool     *pool
	workers  int
	queue    int
}

// Options tunes the engine.
type Options struct {
	ResourceDir string
	Workers     int
	QueueSize   int
	Metrics     *otel.Metrics
}

// New creates an engine. Register handlers before Startup.
func New(store *persistence.Store, notificationBus *bus.Bus, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		bus:         notificationBus,
		logger:      logger,
		metrics:     opts.Metrics,
		resourceDir: opts.ResourceDir,
		workers:     opts.Workers,
		queue:       opts.QueueSize,
	}
}

// Register adds a handler under name. Registration order is dispatch
// order: the first handler whose CanHandle accepts a request wins.
func (e *Engine) Register(name string, h Handler) {
	e.handlers = append(e.handlers, registeredHandler{name: name, handler: h})
}

// GetActionHandler returns a registered handler by name, or nil.
func (e *Engine) GetActionHandler(name string) Handler {
	for _, rh := range e.handlers {
		if rh.name == name {
			return rh.handler
		}
	}
	return nil
}

// Startup builds the worker pool and starts every handler in registration
// order. A handler that fails to start is logged and kept; the engine
// keeps serving.
func (e *Engine) Startup() {
	e.pool = newPool(e.workers, e.queue, e.logger)
	for _, rh := range e.handlers {
		if err := rh.handler.Startup(e); err != nil {
			e.logger.Error("action handler startup failed", "handler", rh.name, "error", err)
		}
	}
	e.logger.Info("action engine started", "handlers", len(e.handlers))
}

// Shutdown stops handlers in reverse registration order, tolerating
// failures, then drains the worker pool.
func (e *Engine) Shutdown() {
	for i := len(e.handlers) - 1; i >= 0; i-- {
		rh := e.handlers[i]
		if err := rh.handler.Shutdown(); err != nil {
			e.logger.Error("action handler shutdown failed", "handler", rh.name, "error", err)
		}
	}
	if e.pool != nil {
		e.pool.shutdown()
	}
	e.logger.Info("action engine stopped")
}

// CreateThreadAction dispatches a request: route to a handler, persist the
// pending action inside the thread, and schedule the handler on the worker
// pool. The fresh ThreadAction is returned immediately so the client can
// render the question before any response arrives.
func (e *Engine) CreateThreadAction(ctx context.Context, threadID int64, title, rawText string, request json.RawMessage, user *persistence.User) (*persistence.ThreadAction, error) {
	var found *registeredHandler
	for i := range e.handlers {
		if e.handlers[i].handler.CanHandle(request) {
			found = &e.handlers[i]
			break
		}
	}
	if found == nil {
		return nil, ErrNoHandler
	}

	ta, err := e.store.CreateActionInThread(ctx, threadID, found.name, request, title, rawText, user)
	if err != nil {
		return nil, err
	}

	config, err := e.store.GetActionHandlerUserConfig(ctx, found.name, user)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ActionsDispatched.Add(ctx, 1)
	}
	actionID := ta.Action.ID
	handler := found.handler
	handlerName := found.name
	e.pool.submit(func() {
		e.handleProxy(handlerName, handler, actionID, request, user, config)
	})
	return ta, nil
}

// handleProxy wraps a handler invocation: panics are logged and swallowed
// so one failing action cannot take a worker down, and a true return
// completes the action on the handler's behalf. A failed handler leaves
// the action pending.
func (e *Engine) handleProxy(handlerName string, h Handler, actionID int64, request json.RawMessage, user *persistence.User, config map[string]any) {
	ctx := context.Background()
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ActionDuration.Record(ctx, time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			if e.metrics != nil {
				e.metrics.ActionsFailed.Add(ctx, 1)
			}
			e.logger.Error("action handler panicked",
				"handler", handlerName, "action_id", actionID, "panic", r)
		}
	}()

	done, err := h.Handle(ctx, actionID, request, user, config)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ActionsFailed.Add(ctx, 1)
		}
		e.logger.Error("action handler failed",
			"handler", handlerName, "action_id", actionID, "error", err)
		return
	}
	if done {
		if err := e.CompleteAction(ctx, actionID, user); err != nil {
			e.logger.Error("complete action after handle failed",
				"handler", handlerName, "action_id", actionID, "error", err)
		}
	}
}

// AppendResponseToAction persists one chunk, materializes known binary
// mimes into the resource directory, and publishes a chunk notification on
// every thread hosting the action.
func (e *Engine) AppendResponseToAction(ctx context.Context, actionID int64, mime string, textContent *string, binaryContent []byte, user *persistence.User) (*persistence.ResponseChunk, error) {
	chunk, err := e.store.AppendResponseToAction(ctx, actionID, mime, textContent, binaryContent, user)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ChunksAppended.Add(ctx, 1)
	}

	notifyText := chunk.TextContent
	if len(binaryContent) > 0 {
		if ext, ok := binaryExtensions[mime]; ok {
			path, err := e.writeResource(actionID, chunk.ID, ext, binaryContent)
			if err != nil {
				e.logger.Error("write resource file failed",
					"action_id", actionID, "chunk_id", chunk.ID, "error", err)
			} else {
				notifyText = path
			}
		}
	}

	threadIDs, err := e.store.GetThreadIDsForAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	notifications := make([]bus.Notification, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		notifications = append(notifications, bus.Notification{
			Topic: TopicForThread(threadID),
			Event: bus.NewResponseChunkEvent(chunk.ID, actionID, chunk.Order, mime, notifyText),
		})
	}
	e.bus.PublishAll(notifications)
	return chunk, nil
}

// CompleteAction transitions the action and publishes a completion
// notification on every hosting thread.
func (e *Engine) CompleteAction(ctx context.Context, actionID int64, user *persistence.User) error {
	action, err := e.store.CompleteAction(ctx, actionID, user)
	if err != nil {
		return err
	}
	completedAt := ""
	if action.CompletedAt != nil {
		completedAt = action.CompletedAt.UTC().Format(time.RFC3339)
	}

	threadIDs, err := e.store.GetThreadIDsForAction(ctx, actionID)
	if err != nil {
		return err
	}
	notifications := make([]bus.Notification, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		notifications = append(notifications, bus.Notification{
			Topic: TopicForThread(threadID),
			Event: bus.NewActionCompletedEvent(actionID, completedAt),
		})
	}
	e.bus.PublishAll(notifications)
	return nil
}

// GetActionHandlerUserConfig implements the Service façade.
func (e *Engine) GetActionHandlerUserConfig(ctx context.Context, handlerName string, user *persistence.User) (map[string]any, error) {
	return e.store.GetActionHandlerUserConfig(ctx, handlerName, user)
}

// SetActionHandlerUserConfig implements the Service façade.
func (e *Engine) SetActionHandlerUserConfig(ctx context.Context, handlerName string, user *persistence.User, config map[string]any) error {
	return e.store.SetActionHandlerUserConfig(ctx, handlerName, user, config)
}

// writeResource stores a binary chunk under
// <resource_dir>/<action_id>/<chunk_id>.<ext> and returns the client-facing
// path. The chunk id in the filename keeps concurrent writers from
// colliding.
func (e *Engine) writeResource(actionID, chunkID int64, ext string, content []byte) (string, error) {
	dir := filepath.Join(e.resourceDir, fmt.Sprintf("%d", actionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create resource dir: %w", err)
	}
	name := fmt.Sprintf("%d.%s", chunkID, ext)
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("write resource: %w", err)
	}
	return fmt.Sprintf("/resources/%d/%s", actionID, name), nil
}

var _ Service = (*Engine)(nil)
