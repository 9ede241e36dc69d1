package assetproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelRecordPrefix = "a:"

// LevelRecordStore keeps records in a goleveldb database. goleveldb holds an
// exclusive file lock, so a mutex is enough to make Save insert-if-absent.
type LevelRecordStore struct {
	db *leveldb.DB

	mu    sync.Mutex
	count int
}

func OpenLevelRecordStore(path string) (*LevelRecordStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s := &LevelRecordStore{db: db}
	if err := s.loadCount(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelRecordStore) loadCount() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelRecordPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.count = n
	s.mu.Unlock()
	return nil
}

func levelRecordKey(hash string) []byte {
	return []byte(levelRecordPrefix + hash)
}

func (s *LevelRecordStore) FindByHash(ctx context.Context, hash string) (ProxiedAsset, error) {
	if err := ctx.Err(); err != nil {
		return ProxiedAsset{}, err
	}
	b, err := s.db.Get(levelRecordKey(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ProxiedAsset{}, ErrNotFound
	}
	if err != nil {
		return ProxiedAsset{}, fmt.Errorf("get record %s: %w", hash, err)
	}
	var rec ProxiedAsset
	if err := decodeCBOR(b, &rec); err != nil {
		return ProxiedAsset{}, fmt.Errorf("decode record %s: %w", hash, err)
	}
	return rec, nil
}

func (s *LevelRecordStore) Save(ctx context.Context, rec ProxiedAsset) (ProxiedAsset, error) {
	if err := ctx.Err(); err != nil {
		return ProxiedAsset{}, err
	}
	if rec.OriginHash == "" {
		return ProxiedAsset{}, errors.New("record has no origin hash")
	}
	b, err := encodeCBOR(rec)
	if err != nil {
		return ProxiedAsset{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := levelRecordKey(rec.OriginHash)
	if cur, err := s.db.Get(key, nil); err == nil {
		var existing ProxiedAsset
		if err := decodeCBOR(cur, &existing); err != nil {
			return ProxiedAsset{}, fmt.Errorf("decode record %s: %w", rec.OriginHash, err)
		}
		return existing, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return ProxiedAsset{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(key, b)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return ProxiedAsset{}, fmt.Errorf("write record %s: %w", rec.OriginHash, err)
	}
	s.count++
	return rec, nil
}

func (s *LevelRecordStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *LevelRecordStore) Close() error {
	return s.db.Close()
}
