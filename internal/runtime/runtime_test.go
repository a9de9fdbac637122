package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logcap "github.com/theater-rt/theater/capability/log"
	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/engine/fakeengine"
	"github.com/theater-rt/theater/internal/handler"
	"github.com/theater-rt/theater/internal/id"
	"github.com/theater-rt/theater/internal/logging"
	"github.com/theater-rt/theater/internal/manifest"
	"github.com/theater-rt/theater/internal/theatererr"
)

func echoComponent() *fakeengine.Component {
	return &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"handle_request": func(_ context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				return params, nil
			},
		},
	}
}

func writeComponentFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "component.wasm")
	require.NoError(t, os.WriteFile(path, []byte("fake-component-bytes"), 0o644))
	return path
}

func newTestRuntime(t *testing.T, comp *fakeengine.Component) *Runtime {
	t.Helper()
	reg := handler.NewRegistry()
	eng := fakeengine.New(comp)
	return New(eng, reg, logging.NewNop())
}

func TestSpawnAndRequestResponse(t *testing.T) {
	rt := newTestRuntime(t, echoComponent())
	m := &manifest.Manifest{Component: writeComponentFile(t)}

	ctx := context.Background()
	actorID, err := rt.SpawnActor(ctx, m, "", nil)
	require.NoError(t, err)
	require.False(t, actorID.Empty())

	out, err := rt.RequestResponse(ctx, actorID, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out)

	events, err := rt.ActorChain(ctx, actorID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 1)
	require.Equal(t, "lifecycle/start", events[0].EventType)
}

func TestActorNotFound(t *testing.T) {
	rt := newTestRuntime(t, echoComponent())
	_, err := rt.RequestResponse(context.Background(), id.New(), []byte("x"))
	require.ErrorIs(t, err, theatererr.ErrActorNotFound)
}

func TestStopActorDrainsGracefully(t *testing.T) {
	rt := newTestRuntime(t, echoComponent())
	m := &manifest.Manifest{Component: writeComponentFile(t)}

	ctx := context.Background()
	actorID, err := rt.SpawnActor(ctx, m, "", nil)
	require.NoError(t, err)

	require.NoError(t, rt.StopActor(ctx, actorID))

	require.Eventually(t, func() bool {
		_, err := rt.ActorStatus(ctx, actorID)
		return err != nil
	}, time.Second, 5*time.Millisecond, "actor should be removed from the runtime once shut down")
}

func TestShutdownDrainsAllActors(t *testing.T) {
	rt := newTestRuntime(t, echoComponent())
	m := &manifest.Manifest{Component: writeComponentFile(t)}

	ctx := context.Background()
	_, err := rt.SpawnActor(ctx, m, "", nil)
	require.NoError(t, err)
	_, err = rt.SpawnActor(ctx, m, "", nil)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(shutdownCtx))
}

// TestReplaySpawnProducesIdenticalChain exercises manifest.Replay
// end-to-end: an actor's recorded chain (lifecycle/start plus a log
// capability host call) must reproduce byte-identical hashes when
// replayed, which requires the replay spawn to reuse the original run's
// actor id (P-Replay, §8 scenario 3).
func TestReplaySpawnProducesIdenticalChain(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("log", logcap.New)

	comp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"handle_request": func(ctx context.Context, params []byte, imports *engine.Linker) ([]byte, error) {
				fn, ok := imports.Lookup("log", "write")
				if !ok {
					return nil, nil
				}
				if _, err := fn(ctx, []byte(`"hi from wasm"`)); err != nil {
					return nil, err
				}
				return params, nil
			},
		},
	}
	eng := fakeengine.New(comp)
	rt := New(eng, reg, logging.NewNop())
	m := &manifest.Manifest{
		Component: writeComponentFile(t),
		Handlers:  []manifest.HandlerConfig{{Type: "log"}},
	}

	ctx := context.Background()
	actorID, err := rt.SpawnActor(ctx, m, "", nil)
	require.NoError(t, err)

	_, err = rt.RequestResponse(ctx, actorID, []byte("ping"))
	require.NoError(t, err)

	original, err := rt.ActorChain(ctx, actorID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(original), 2, "expect lifecycle/start plus the log/write host call")

	entry, err := rt.lookup(actorID)
	require.NoError(t, err)
	chainPath := filepath.Join(t.TempDir(), "original.chain.json")
	require.NoError(t, entry.instance.SaveChain(chainPath))

	require.NoError(t, rt.StopActor(ctx, actorID))
	require.Eventually(t, func() bool {
		_, err := rt.ActorStatus(ctx, actorID)
		return err != nil
	}, time.Second, 5*time.Millisecond, "original actor should be drained before replaying its chain")

	replayManifest := &manifest.Manifest{
		Component: writeComponentFile(t),
		Handlers:  []manifest.HandlerConfig{{Type: "log"}},
		Replay:    chainPath,
	}
	replayID, err := rt.SpawnActor(ctx, replayManifest, "", nil)
	require.NoError(t, err)
	require.Equal(t, actorID, replayID, "a replay spawn must reuse the original chain's actor id so hashes line up from event zero")

	require.Eventually(t, func() bool {
		s, err := rt.ActorStatus(ctx, replayID)
		return err == nil && s.Kind.String() != "starting"
	}, time.Second, 5*time.Millisecond)

	_, err = rt.RequestResponse(ctx, replayID, []byte("ping"))
	require.NoError(t, err)

	replayed, err := rt.ActorChain(ctx, replayID)
	require.NoError(t, err)

	require.Equal(t, len(original), len(replayed))
	for i := range original {
		require.Equal(t, original[i].EventType, replayed[i].EventType, "event %d type", i)
		require.Equal(t, original[i].Hash, replayed[i].Hash, "event %d hash must match the original run's", i)
	}
}

// TestSpawnChildEscalatesToParentWasmExport covers §4.7/§8 scenario 5:
// a child's terminal error must reach the parent's handle_child_error
// WASM export, not just an in-process Go callback.
func TestSpawnChildEscalatesToParentWasmExport(t *testing.T) {
	received := make(chan []byte, 1)
	parentComp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"handle_child_error": func(_ context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				received <- params
				return nil, nil
			},
		},
	}
	rt := newTestRuntime(t, parentComp)
	ctx := context.Background()

	parentID, err := rt.SpawnActor(ctx, &manifest.Manifest{Component: writeComponentFile(t)}, "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := rt.ActorStatus(ctx, parentID)
		return err == nil && s.Kind.String() == "idle"
	}, time.Second, 5*time.Millisecond)

	// A component path that never resolves fails setup (ComponentBytes)
	// before compilation, forcing the child straight to ShuttingDown with
	// a SetupFailure terminal error for the parent to observe.
	childManifest := &manifest.Manifest{Component: filepath.Join(t.TempDir(), "missing.wasm")}
	childID, err := rt.SpawnChild(ctx, childManifest, parentID, nil)
	require.NoError(t, err)
	require.NotEqual(t, parentID, childID)

	select {
	case payload := <-received:
		var decoded struct {
			ChildID string `json:"child_id"`
			Error   string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(payload, &decoded))
		require.Equal(t, childID.String(), decoded.ChildID)
		require.NotEmpty(t, decoded.Error)
	case <-time.After(time.Second):
		t.Fatal("parent's handle_child_error export was never invoked")
	}
}

func TestSpawnWithLogCapability(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("log", logcap.New)

	comp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"handle_request": func(ctx context.Context, params []byte, imports *engine.Linker) ([]byte, error) {
				fn, ok := imports.Lookup("log", "write")
				if !ok {
					return nil, nil
				}
				if _, err := fn(ctx, []byte(`"hi from wasm"`)); err != nil {
					return nil, err
				}
				return params, nil
			},
		},
	}

	eng := fakeengine.New(comp)
	rt := New(eng, reg, logging.NewNop())
	m := &manifest.Manifest{
		Component: writeComponentFile(t),
		Handlers:  []manifest.HandlerConfig{{Type: "log"}},
	}

	ctx := context.Background()
	actorID, err := rt.SpawnActor(ctx, m, "", nil)
	require.NoError(t, err)

	out, err := rt.RequestResponse(ctx, actorID, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), out)

	events, err := rt.ActorChain(ctx, actorID)
	require.NoError(t, err)

	found := false
	for _, ev := range events {
		if ev.EventType == "log/write" {
			found = true
		}
	}
	require.True(t, found)
}
