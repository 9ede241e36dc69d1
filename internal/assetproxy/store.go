package assetproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// RecordStore persists ProxiedAsset records keyed by origin hash.
type RecordStore interface {
	// FindByHash returns ErrNotFound when no record exists.
	FindByHash(ctx context.Context, hash string) (ProxiedAsset, error)
	// Save inserts rec unless a record with the same hash exists; the first
	// writer wins and Save returns whichever record is stored.
	Save(ctx context.Context, rec ProxiedAsset) (ProxiedAsset, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Locker serialises work on one key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker with one mutex per key in use.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*localLock{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(key, lk)
		})
	}, nil
}

func (l *LocalLocker) release(key string, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// AssetIndex is the content-addressed cache in front of a RecordStore.
type AssetIndex struct {
	records RecordStore
	locker  Locker
	log     *slog.Logger
}

func NewAssetIndex(records RecordStore, locker Locker, logger *slog.Logger) *AssetIndex {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetIndex{records: records, locker: locker, log: logger}
}

// Lookup returns the record for originURL, if any.
func (x *AssetIndex) Lookup(ctx context.Context, originURL string) (ProxiedAsset, bool, error) {
	rec, err := x.records.FindByHash(ctx, HashOrigin(originURL))
	if errors.Is(err, ErrNotFound) {
		return ProxiedAsset{}, false, nil
	}
	if err != nil {
		return ProxiedAsset{}, false, err
	}
	return rec, true, nil
}

// ReserveOrGet returns the record for originURL, calling create to produce it
// when none exists. create runs under the per-hash lock, so concurrent callers
// for the same origin upload and insert at most once; created reports whether
// this call's record is the one stored.
func (x *AssetIndex) ReserveOrGet(ctx context.Context, originURL string, create func(hash string) (ProxiedAsset, error)) (rec ProxiedAsset, created bool, err error) {
	hash := HashOrigin(originURL)
	unlock, err := x.locker.Lock(ctx, hash)
	if err != nil {
		return ProxiedAsset{}, false, err
	}
	defer unlock()

	existing, err := x.records.FindByHash(ctx, hash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ProxiedAsset{}, false, err
	}

	rec, err = create(hash)
	if err != nil {
		return ProxiedAsset{}, false, err
	}
	rec.OriginHash = hash
	rec.OriginURL = originURL
	saved, err := x.records.Save(ctx, rec)
	if err != nil {
		return ProxiedAsset{}, false, fmt.Errorf("save record %s: %w", hash, err)
	}
	if saved != rec {
		x.log.Warn("lost record race, using stored record", "origin", originURL, "hash", hash)
		return saved, false, nil
	}
	return saved, true, nil
}

func (x *AssetIndex) Count(ctx context.Context) (int, error) {
	return x.records.Count(ctx)
}
