package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TieredStore keeps the most recently used records in memory in front of
// a slower backing store. Writes go through to the backing store.
type TieredStore struct {
	hot     *lru.Cache[string, []byte]
	backing Store
}

// NewTieredStore puts an LRU of at most items records in front of backing.
func NewTieredStore(backing Store, items int) (*TieredStore, error) {
	hot, err := lru.New[string, []byte](items)
	if err != nil {
		return nil, err
	}
	return &TieredStore{hot: hot, backing: backing}, nil
}

func (t *TieredStore) Get(address string) ([]byte, bool, error) {
	if b, ok := t.hot.Get(address); ok {
		return b, true, nil
	}
	b, ok, err := t.backing.Get(address)
	if err != nil || !ok {
		return nil, false, err
	}
	t.hot.Add(address, b)
	return b, true, nil
}

func (t *TieredStore) Put(address string, record []byte) error {
	if err := t.backing.Put(address, record); err != nil {
		return err
	}
	t.hot.Add(address, record)
	return nil
}

func (t *TieredStore) Delete(address string) error {
	t.hot.Remove(address)
	return t.backing.Delete(address)
}

func (t *TieredStore) Scan(ctx context.Context, fn func(address string, record []byte) error) error {
	return t.backing.Scan(ctx, fn)
}

func (t *TieredStore) Close() error {
	t.hot.Purge()
	return t.backing.Close()
}
