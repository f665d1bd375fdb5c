package cache

import (
	"fmt"
	"testing"

	"github.com/jonboulle/clockwork"

	"remote-mirror/internal/fs"
)

func createTestListing(dir string, count int) []*fs.Node {
	nodes := make([]*fs.Node, 0, count)
	for i := 0; i < count; i++ {
		nodes = append(nodes, file(dir, fmt.Sprintf("file-%04d", i), int64(1000+i)))
	}
	return nodes
}

func BenchmarkShard(b *testing.B) {
	c := New(Options{MaxEntries: 2000, Clock: clockwork.NewFakeClock()})
	shard := c.Shard("bench", 3, 200)

	for i := 0; i < 2000; i++ {
		shard.Put(fmt.Sprintf("/dir-%04d", i), createTestListing("/", 10))
	}

	b.Run("get hit", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			shard.Get(fmt.Sprintf("/dir-%04d", i%2000))
		}
	})

	b.Run("merge diff", func(b *testing.B) {
		listing := createTestListing("/merge", 500)
		shard.Put("/merge", listing)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			shard.MergeDiff("/merge", createTestListing("/merge", 500))
		}
	})

	b.Run("put with eviction", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			shard.Put(fmt.Sprintf("/evict-%d", i), nil)
		}
	})
}
