// Package log is a minimal reference capability: it exposes a single
// host import, log/write, that writes a line through the process logger.
// It exists to exercise the Handler contract end-to-end (construction,
// SetupHostFunctions, Start/shutdown) with something simpler than a real
// I/O-bound capability like HTTP or the filesystem, both of which are
// deliberately out of core scope (§1).
package log

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/handler"
	"github.com/theater-rt/theater/internal/logging"
)

// Name is the capability's manifest handler[].type value.
const Name = "log"

// Handler writes log/write calls through a component-scoped logger. It
// registers no callback surface: Start simply blocks until shutdown.
type Handler struct {
	actorID string
	level   string
	logger  *logging.Logger
}

// New constructs a log Handler for actorID. config recognizes an
// optional "level" key ("debug", "info", "warn", "error"); defaults to
// "info".
func New(actorID string, config map[string]interface{}) (handler.Handler, error) {
	level := "info"
	if v, ok := config["level"].(string); ok && v != "" {
		level = v
	}
	return &Handler{
		actorID: actorID,
		level:   level,
		logger:  logging.New("capability.log").With(logging.String("actor_id", actorID)),
	}, nil
}

func (h *Handler) Name() string     { return Name }
func (h *Handler) Imports() []string { return []string{"log"} }

// SetupHostFunctions registers log/write. The wrapping that appends a
// ChainEvent before WASM sees the return value is applied by the kernel
// via handler.Wrap, not here.
func (h *Handler) SetupHostFunctions(linker engine.HostLinker, actor handler.ActorRef) {
	linker.Define("log", "write", handler.Wrap(actor, "log", "write", h.write))
}

func (h *Handler) write(_ context.Context, input []byte) ([]byte, error) {
	var msg string
	if err := json.Unmarshal(input, &msg); err != nil {
		msg = string(input)
	}
	switch h.level {
	case "debug":
		h.logger.Debug(msg)
	case "warn":
		h.logger.Warn(msg)
	case "error":
		h.logger.Error(msg)
	default:
		h.logger.Info(msg)
	}
	return json.Marshal("ok")
}

// Start has no background work of its own; it blocks until shutdown
// fires, matching every other handler's contract even though this
// capability never calls back into the actor.
func (h *Handler) Start(ctx context.Context, _ handler.Handle, shutdown <-chan struct{}) error {
	select {
	case <-shutdown:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("log capability for %s: %w", h.actorID, ctx.Err())
	}
}
