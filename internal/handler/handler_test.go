package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-rt/theater/internal/chain"
	"github.com/theater-rt/theater/internal/kvstore"
)

type recordingActor struct {
	c     *chain.Chain
	id    string
	store *kvstore.Store
}

func (r *recordingActor) AppendEvent(eventType string, data []byte) chain.Event {
	return r.c.Append(eventType, data)
}
func (r *recordingActor) ActorID() string { return r.id }
func (r *recordingActor) Store() *kvstore.Store {
	if r.store == nil {
		r.store = kvstore.New()
	}
	return r.store
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register("log", func(actorID string, config map[string]interface{}) (Handler, error) {
		return nil, nil
	})

	require.Contains(t, reg.Names(), "log")

	_, err := reg.CreateInstance("log", "actor-1", nil)
	require.NoError(t, err)

	_, err = reg.CreateInstance("missing", "actor-1", nil)
	require.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("log", func(string, map[string]interface{}) (Handler, error) { return nil, nil })
	require.Panics(t, func() {
		reg.Register("log", func(string, map[string]interface{}) (Handler, error) { return nil, nil })
	})
}

func TestWrapAppendsBeforeReturningSuccess(t *testing.T) {
	actor := &recordingActor{c: chain.New(nil), id: "a1"}
	fn := Wrap(actor, "log", "write", func(ctx context.Context, input []byte) ([]byte, error) {
		return []byte(`"ok"`), nil
	})

	out, err := fn(context.Background(), []byte(`"hello"`))
	require.NoError(t, err)
	require.Equal(t, []byte(`"ok"`), out)
	require.Equal(t, 1, actor.c.Len())
	require.Equal(t, "log/write", actor.c.Iter()[0].EventType)
}

func TestWrapAppendsEvenOnFailure(t *testing.T) {
	actor := &recordingActor{c: chain.New(nil), id: "a1"}
	fn := Wrap(actor, "http", "fetch", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	_, err := fn(context.Background(), []byte(`{}`))
	require.Error(t, err)
	require.Equal(t, 1, actor.c.Len())
	require.Equal(t, "http/fetch", actor.c.Iter()[0].EventType)
	require.Contains(t, string(actor.c.Iter()[0].Data), "connection refused")
}
