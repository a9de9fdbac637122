package chain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestAppendLinksParentHash(t *testing.T) {
	c := New(fixedClock(time.UnixMilli(0)))

	e0 := c.Append("lifecycle/start", nil)
	require.Nil(t, e0.ParentHash)

	e1 := c.Append("message/receive_request", []byte("hello"))
	require.NotNil(t, e1.ParentHash)
	require.Equal(t, e0.Hash, *e1.ParentHash)

	e2 := c.Append("message/send_response", []byte("hello"))
	require.Equal(t, e1.Hash, *e2.ParentHash)

	require.Equal(t, e2.Hash, *c.Head())
}

func TestHashExcludesTimestampAndDescription(t *testing.T) {
	c1 := New(fixedClock(time.UnixMilli(1000)))
	c2 := New(fixedClock(time.UnixMilli(999999)))

	e1 := c1.AppendDescribed("log/write", []byte("x"), "first run")
	e2 := c2.AppendDescribed("log/write", []byte("x"), "totally different description")

	require.Equal(t, e1.Hash, e2.Hash)
}

func TestVerifyDetectsTamperedData(t *testing.T) {
	c := New(nil)
	c.Append("lifecycle/start", nil)
	c.Append("message/receive_request", []byte{0x01, 0x02})

	require.NoError(t, c.Verify())

	events := c.Iter()
	tampered := events[1]
	tampered.Data[0] ^= 0xFF

	c2 := New(nil)
	c2.events = []Event{events[0], tampered}
	c2.head = &tampered.Hash

	require.Error(t, c2.Verify())
}

func TestVerifyDetectsBrokenParentLink(t *testing.T) {
	c := New(nil)
	c.Append("lifecycle/start", nil)
	c.Append("a/b", []byte("1"))
	c.Append("a/b", []byte("2"))

	events := c.Iter()
	// Swap the last two events' order without fixing parent hashes.
	broken := New(nil)
	broken.events = []Event{events[0], events[2], events[1]}
	h := events[1].Hash
	broken.head = &h

	require.Error(t, broken.Verify())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := New(fixedClock(time.UnixMilli(42)))
	c.Append("lifecycle/start", nil)
	c.AppendDescribed("http/fetch", []byte(`{"url":"x"}`), "outbound fetch")
	c.Append("lifecycle/stop", []byte("bye"))

	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, c.Save(path))

	loaded := New(nil)
	require.NoError(t, loaded.Load(path))

	require.True(t, Equal(c, loaded))
	require.NoError(t, loaded.Verify())
}

func TestEmptyChainHasNilHead(t *testing.T) {
	c := New(nil)
	require.Nil(t, c.Head())
	require.Equal(t, 0, c.Len())
	require.NoError(t, c.Verify())
}

func TestLoadRejectsMalformedHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"hash":"not-hex","event_type":"x","data":"","timestamp":0}]`), 0o644))

	c := New(nil)
	require.Error(t, c.Load(path))
}
