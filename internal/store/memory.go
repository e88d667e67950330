/**
 * @description
 * In-memory storage backend, the default for local runs and tests. State is lost when
 * the process exits.
 *
 * @notes
 * - A nested transaction buffers on top of its parent and merges into it on commit.
 */

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps ledger state in process memory. Transactions buffer their writes
// and apply them on commit; isolation between concurrent top-level transactions is left
// to the ledger's serializer.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Begin opens a top-level transaction.
func (b *MemoryBackend) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTxn{backend: b, writes: make(map[string]memoryWrite)}, nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }

// Len returns the number of committed keys.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

type memoryWrite struct {
	value   []byte
	deleted bool
}

type memoryTxn struct {
	backend *MemoryBackend
	parent  *memoryTxn
	writes  map[string]memoryWrite
	child   *memoryTxn
	done    bool
}

func (t *memoryTxn) usable() error {
	if t.done {
		return ErrTxnClosed
	}
	if t.child != nil {
		return ErrNestedTxnOpen
	}
	return nil
}

func (t *memoryTxn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := t.usable(); err != nil {
		return nil, false, err
	}
	for cur := t; cur != nil; cur = cur.parent {
		if w, ok := cur.writes[key]; ok {
			if w.deleted {
				return nil, false, nil
			}
			return cloneBytes(w.value), true, nil
		}
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	value, ok := t.backend.data[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (t *memoryTxn) Put(ctx context.Context, key string, value []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.writes[key] = memoryWrite{value: cloneBytes(value)}
	return nil
}

func (t *memoryTxn) Delete(ctx context.Context, key string) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.writes[key] = memoryWrite{deleted: true}
	return nil
}

func (t *memoryTxn) Scan(ctx context.Context, prefix string) ([]KV, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	merged := make(map[string][]byte)
	t.backend.mu.RLock()
	for k, v := range t.backend.data {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	t.backend.mu.RUnlock()

	// Apply overlays from the outermost transaction inwards.
	var chain []*memoryTxn
	for cur := t; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, w := range chain[i].writes {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if w.deleted {
				delete(merged, k)
			} else {
				merged[k] = w.value
			}
		}
	}

	out := make([]KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, KV{Key: k, Value: cloneBytes(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *memoryTxn) Begin(ctx context.Context) (Txn, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	child := &memoryTxn{backend: t.backend, parent: t, writes: make(map[string]memoryWrite)}
	t.child = child
	return child, nil
}

func (t *memoryTxn) Commit(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.done = true
	if t.parent != nil {
		for k, w := range t.writes {
			t.parent.writes[k] = w
		}
		t.parent.child = nil
		return nil
	}

	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	for k, w := range t.writes {
		if w.deleted {
			delete(t.backend.data, k)
		} else {
			t.backend.data[k] = w.value
		}
	}
	return nil
}

func (t *memoryTxn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	if t.child != nil {
		_ = t.child.Rollback(ctx)
	}
	t.done = true
	t.writes = nil
	if t.parent != nil {
		t.parent.child = nil
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
