/*
	Package memory implements an in-memory key-value engine.  Nothing survives
	Close(), so it is meant for tests and throwaway datasets.
*/
package memory

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver"
	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		mm.Errorf("Unable to make semver in memory engine: %v\n", err)
	}
	e := Engine{"memory", "In-memory sorted map", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns an empty in-memory database.  It is always newly created.
func (e Engine) NewStore(config storage.Config) (storage.KeyValueDB, bool, error) {
	return NewDB(), true, nil
}

// DB is a key-value database held in a map.
type DB struct {
	sync.RWMutex
	kv map[string][]byte
}

// NewDB returns an empty in-memory database.
func NewDB() *DB {
	return &DB{kv: make(map[string][]byte)}
}

func (db *DB) String() string {
	return "in-memory kv store"
}

func (db *DB) Get(k storage.TKey) ([]byte, error) {
	db.RLock()
	defer db.RUnlock()
	if db.kv == nil {
		return nil, fmt.Errorf("can't call Get on closed %s", db)
	}
	v, found := db.kv[string(k)]
	if !found {
		return nil, nil
	}
	storage.StoreBytesRead.Add(float64(len(v)))
	return append([]byte(nil), v...), nil
}

func (db *DB) Put(k storage.TKey, v []byte) error {
	return db.PutRange([]storage.TKeyValue{{K: k, V: v}})
}

func (db *DB) PutRange(kvs []storage.TKeyValue) error {
	db.Lock()
	defer db.Unlock()
	if db.kv == nil {
		return fmt.Errorf("can't call Put on closed %s", db)
	}
	for _, kv := range kvs {
		db.kv[string(kv.K)] = append([]byte(nil), kv.V...)
		storage.StoreBytesWritten.Add(float64(len(kv.K) + len(kv.V)))
	}
	return nil
}

func (db *DB) Delete(k storage.TKey) error {
	db.Lock()
	defer db.Unlock()
	if db.kv == nil {
		return fmt.Errorf("can't call Delete on closed %s", db)
	}
	delete(db.kv, string(k))
	return nil
}

// ProcessPrefix iterates over a snapshot of matching pairs so f may write to the db.
func (db *DB) ProcessPrefix(prefix storage.TKey, f func(*storage.TKeyValue) error) error {
	db.RLock()
	if db.kv == nil {
		db.RUnlock()
		return fmt.Errorf("can't call ProcessPrefix on closed %s", db)
	}
	var kvs []storage.TKeyValue
	for k, v := range db.kv {
		if bytes.HasPrefix([]byte(k), prefix) {
			kvs = append(kvs, storage.TKeyValue{K: storage.TKey(k), V: append([]byte(nil), v...)})
		}
	}
	db.RUnlock()

	sort.Slice(kvs, func(i, j int) bool { return bytes.Compare(kvs[i].K, kvs[j].K) < 0 })
	for i := range kvs {
		if err := f(&kvs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) Sync() error {
	return nil
}

func (db *DB) Close() {
	db.Lock()
	db.kv = nil
	db.Unlock()
}
