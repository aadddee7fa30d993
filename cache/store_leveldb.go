package cache

import (
	"context"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelDBRecordPrefix = "e:"

// LevelDBStore keeps records in a LevelDB database directory.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at path.
// If path is empty, the database lives in memory.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (d *LevelDBStore) Get(address string) ([]byte, bool, error) {
	b, err := d.db.Get([]byte(levelDBRecordPrefix+address), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (d *LevelDBStore) Put(address string, record []byte) error {
	return d.db.Put([]byte(levelDBRecordPrefix+address), record, nil)
}

func (d *LevelDBStore) Delete(address string) error {
	return d.db.Delete([]byte(levelDBRecordPrefix+address), nil)
}

func (d *LevelDBStore) Scan(ctx context.Context, fn func(address string, record []byte) error) error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(levelDBRecordPrefix)), nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		address := string(it.Key()[len(levelDBRecordPrefix):])
		// the iterator reuses its buffers
		record := append([]byte(nil), it.Value()...)
		if err := fn(address, record); err != nil {
			return err
		}
	}
	return it.Error()
}

func (d *LevelDBStore) Close() error {
	return d.db.Close()
}
