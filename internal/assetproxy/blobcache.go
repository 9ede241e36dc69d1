package assetproxy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CachedBlobStore keeps recently read blobs in memory in front of another
// BlobStore. Entries are evicted least-recently-used once maxBytes is reached.
type CachedBlobStore struct {
	next     BlobStore
	maxBytes int64

	overflowLog *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

type ramItem struct {
	key  string
	blob Blob
	size int64
	prev *ramItem
	next *ramItem
}

func NewCachedBlobStore(next BlobStore, maxBytes int64, logger *slog.Logger) *CachedBlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedBlobStore{
		next:        next,
		maxBytes:    maxBytes,
		overflowLog: newRateLimitedLogger(logger, time.Minute),
		items:       map[string]*ramItem{},
	}
}

func (c *CachedBlobStore) Upload(ctx context.Context, p string, data []byte, metadata map[string]string) (string, error) {
	stored, err := c.next.Upload(ctx, p, data, metadata)
	if err != nil {
		return "", err
	}
	c.put(stored, Blob{Data: data, Metadata: copyMetadata(metadata)})
	return stored, nil
}

func (c *CachedBlobStore) Read(ctx context.Context, p string) (Blob, error) {
	if b, ok := c.get(p); ok {
		return b, nil
	}
	b, err := c.next.Read(ctx, p)
	if err != nil {
		return Blob{}, err
	}
	c.put(p, b)
	return b, nil
}

func (c *CachedBlobStore) Copy(ctx context.Context, from, to string, metadata map[string]string) (string, error) {
	stored, err := c.next.Copy(ctx, from, to, metadata)
	if err != nil {
		return "", err
	}
	c.delete(stored)
	return stored, nil
}

// TotalSize reports the bytes currently held in memory.
func (c *CachedBlobStore) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *CachedBlobStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func blobSize(b Blob) int64 {
	n := int64(len(b.Data))
	for k, v := range b.Metadata {
		n += int64(len(k) + len(v))
	}
	return n
}

func (c *CachedBlobStore) get(key string) (Blob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Blob{}, false
	}
	c.moveToFront(it)
	return it.blob, true
}

func (c *CachedBlobStore) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *CachedBlobStore) put(key string, b Blob) {
	if c.maxBytes <= 0 {
		return
	}
	sz := blobSize(b)
	if sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.blob = b
		it.size = sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, blob: b, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	if c.total > c.maxBytes {
		c.overflowLog.Log(slog.LevelDebug, "blob cache full, evicting", "total", c.total, "max", c.maxBytes)
	}
	for c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
		c.evictLocked()
	}
}

// evictLocked drops the least-recently-used tenth of the entries, at least
// one.
func (c *CachedBlobStore) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *CachedBlobStore) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *CachedBlobStore) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *CachedBlobStore) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
