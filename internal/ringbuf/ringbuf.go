// Package ringbuf implements the fixed-capacity circular buffer backing
// cached timelines. Adds are O(1) and overwrite the oldest entry once the
// buffer is full; reads walk backwards from the write cursor so the newest
// entry always comes out first.
package ringbuf

import (
	"encoding/json"
	"fmt"

	"github.com/alexprut/feedpipe/internal/models"
)

// DefaultSize is the per-user cached timeline capacity.
const DefaultSize = 1000

// Buffer is a fixed-capacity circular buffer of feed items.
// Slots that have never been written are nil.
type Buffer struct {
	size  int
	head  int // next write position
	count int // number of live items, <= size
	items []*models.FeedItem
}

// New returns an empty buffer with the given capacity.
// Sizes below 1 fall back to DefaultSize.
func New(size int) *Buffer {
	if size < 1 {
		size = DefaultSize
	}
	return &Buffer{
		size:  size,
		items: make([]*models.FeedItem, size),
	}
}

// Size returns the buffer capacity.
func (b *Buffer) Size() int { return b.size }

// Count returns the number of live items.
func (b *Buffer) Count() int { return b.count }

// Add writes item at the head, overwriting the oldest entry when full.
func (b *Buffer) Add(item models.FeedItem) {
	b.items[b.head] = &item
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Read returns up to limit items newest-first, skipping the first offset
// items. Unwritten slots are skipped.
func (b *Buffer) Read(limit, offset int) []models.FeedItem {
	if b.count == 0 || offset >= b.count || limit <= 0 {
		return nil
	}
	n := b.count - offset
	if n > limit {
		n = limit
	}

	out := make([]models.FeedItem, 0, n)
	start := mod(b.head-1-offset, b.size)
	for i := 0; i < n; i++ {
		pos := mod(start-i, b.size)
		if b.items[pos] == nil {
			continue
		}
		out = append(out, *b.items[pos])
	}
	return out
}

// wire is the serialized buffer shape. Unwritten slots marshal as nulls so
// a serialize/deserialize round trip is a fixed point.
type wire struct {
	Size  int                `json:"size"`
	Head  int                `json:"head"`
	Count int                `json:"count"`
	Items []*models.FeedItem `json:"items"`
}

// Marshal serializes the buffer for the cache store.
func (b *Buffer) Marshal() ([]byte, error) {
	return json.Marshal(wire{
		Size:  b.size,
		Head:  b.head,
		Count: b.count,
		Items: b.items,
	})
}

// Unmarshal restores a buffer previously produced by Marshal.
func Unmarshal(data []byte) (*Buffer, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode buffer: %w", err)
	}
	if w.Size < 1 || len(w.Items) != w.Size {
		return nil, fmt.Errorf("decode buffer: inconsistent size %d for %d slots", w.Size, len(w.Items))
	}
	if w.Head < 0 || w.Head >= w.Size || w.Count < 0 || w.Count > w.Size {
		return nil, fmt.Errorf("decode buffer: cursor out of range (head=%d count=%d size=%d)", w.Head, w.Count, w.Size)
	}
	return &Buffer{
		size:  w.Size,
		head:  w.Head,
		count: w.Count,
		items: w.Items,
	}, nil
}

// mod is the floored modulo, safe for negative cursors.
func mod(a, m int) int {
	return ((a % m) + m) % m
}
