package zion

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageID(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	require.Len(t, a, 27)
	require.Equal(t, byte('-'), a[10])
	require.NotEqual(t, a, b)
	// 时间前缀单调不减
	require.LessOrEqual(t, a[:10], b[:10])
}

func BenchmarkMessageID(b *testing.B) {
	var m sync.Map

	b.RunParallel(func(p *testing.PB) {
		for p.Next() {
			id := NewMessageID()
			if _, loaded := m.LoadOrStore(id, struct{}{}); loaded {
				b.Fatal("duplicate message id", id)
			}
		}
	})
}
