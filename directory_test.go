package zion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingWatcher struct {
	added   chan Entry
	deleted chan string
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{added: make(chan Entry, 16), deleted: make(chan string, 16)}
}

func (w *recordingWatcher) AddOrUpdate(e Entry) error {
	w.added <- e
	return nil
}

func (w *recordingWatcher) Delete(service, nodeID string) {
	w.deleted <- service + "/" + nodeID
}

func TestMemoryDirectoryLookup(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()

	_, err := dir.Lookup(ctx, "hello")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, dir.Register(ctx, Entry{Service: "hello", NodeID: "b", Name: NewName(AmqDirect, "hello.b")}))
	require.NoError(t, dir.Register(ctx, Entry{Service: "hello", NodeID: "a", Name: NewName(AmqDirect, "hello.a")}))

	// 多个节点时按节点 id 取第一个
	name, err := dir.Lookup(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, NewName(AmqDirect, "hello.a"), name)

	require.NoError(t, dir.Deregister(ctx, "hello"))
	_, err = dir.Lookup(ctx, "hello")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDirectoryWatch(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	existing := Entry{Service: "hello", NodeID: "n1", Name: NewName(DefaultExchange, "hello")}
	require.NoError(t, dir.Register(ctx, existing))

	w := newRecordingWatcher()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dir.Watch(ctx, "hello", w)
	}()

	// 先回放已有条目
	select {
	case e := <-w.added:
		require.Equal(t, existing, e)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot not replayed")
	}

	// 其它服务的变更不会通知
	require.NoError(t, dir.Register(ctx, Entry{Service: "other", NodeID: "n9"}))
	require.NoError(t, dir.Deregister(ctx, "hello"))
	select {
	case key := <-w.deleted:
		require.Equal(t, "hello/n1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("delete not observed")
	}
	require.Empty(t, w.added)

	cancel()
	wg.Wait()
}

func TestNodeLookupWithoutDirectory(t *testing.T) {
	node := NewNode(NewMemoryBroker(nil).Dial())
	defer node.Close()

	name, err := node.Lookup(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, NewName(DefaultExchange, "hello"), name)
	require.ErrorIs(t, node.Register(context.Background(), "hello", name), ErrNoDirectory)
}

func TestNodeRegisterWithDirectory(t *testing.T) {
	dir := NewMemoryDirectory()
	node := NewNode(NewMemoryBroker(nil).Dial(), WithDirectory(dir))
	defer node.Close()

	ctx := context.Background()
	want := NewName(AmqTopic, "rpc.hello")
	require.NoError(t, node.Register(ctx, "hello", want))
	got, err := node.Lookup(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, node.Deregister(ctx, "hello"))
	_, err = node.Lookup(ctx, "hello")
	require.ErrorIs(t, err, ErrNotFound)
}
