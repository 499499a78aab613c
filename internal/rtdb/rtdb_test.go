package rtdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ RTDB = (*Memory)(nil)
	_ RTDB = (*Net)(nil)
)

func TestMemoryStringRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v"))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.Del(ctx, "k"))
	exists, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryHash(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	key := ChannelKey(1001, ChannelTelemetry)
	require.NoError(t, m.HashSet(ctx, key, "201", "3.14:1700000000000"))
	require.NoError(t, m.HashSet(ctx, key, "202", "1.0:1700000000001"))

	v, ok, err := m.HashGet(ctx, key, "201")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3.14:1700000000000", v)

	all, err := m.HashGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, m.HashDel(ctx, key, "201"))
	_, ok, err = m.HashGet(ctx, key, "201")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryListFIFO(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := TodoKey(1001, TodoControl)

	require.NoError(t, m.ListPush(ctx, key, "201"))
	require.NoError(t, m.ListPush(ctx, key, "202"))

	n, err := m.ListLen(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, ok, err := m.ListPop(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "201", v)

	v, ok, err = m.ListPop(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "202", v)

	_, ok, err = m.ListPop(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryPSubscribeMatchesPattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ch, unsubscribe, err := m.PSubscribe(ctx, CommandChannelPattern(1001))
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, m.Publish(ctx, CommandChannel(1001, CommandControl), []byte(`{"command_id":"cmd-7"}`)))
	require.NoError(t, m.Publish(ctx, CommandChannel(2002, CommandControl), []byte(`{"command_id":"cmd-8"}`)))

	select {
	case msg := <-ch:
		assert.Equal(t, "cmd:1001:control", msg.Channel)
		assert.Contains(t, string(msg.Payload), "cmd-7")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected second message for unmatched channel: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "ch:1001:T", ChannelKey(1001, ChannelTelemetry))
	assert.Equal(t, "inst:42:M", InstanceKey(42, InstanceMeasurement))
	assert.Equal(t, "todo:1001:C", TodoKey(1001, TodoControl))
	assert.Equal(t, "cmd:1001:control", CommandChannel(1001, CommandControl))
	assert.Equal(t, "cmd:1001:*", CommandChannelPattern(1001))
	assert.Equal(t, "cmd_status:1001:cmd-7", CommandStatusKey(1001, "cmd-7"))
}
