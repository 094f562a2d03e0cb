/*
	Package storage provides a unified interface to the key-value engines that
	hold a dataset's coordinate index.  Each engine registers itself on init and
	is chosen by name in the store configuration.

	Values are simply []byte at this level.  We assume serialization and
	deserialization occur above the storage level.
*/
package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"
	"github.com/micro-manager/mmstore/mm"
)

// TKey is a key within a dataset's key space.  By convention the first byte
// is a key class so different kinds of records can be iterated by prefix.
type TKey []byte

// TKeyValue stores a key-value pair.
type TKeyValue struct {
	K TKey
	V []byte
}

// Config holds settings used to open an engine's database.
type Config struct {
	// Path is the directory holding the database.  Ignored by in-memory engines.
	Path string

	// ReadOnly opens an existing database without allowing writes.
	ReadOnly bool

	// SyncWrites forces each write to be synced to disk before returning.
	SyncWrites bool
}

// Engine is a storage engine that can create key-value databases.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version
	String() string

	// NewStore returns a database, creating one if necessary.  The returned
	// bool is true if the database was newly created.
	NewStore(config Config) (KeyValueDB, bool, error)
}

// KeyValueDB provides an interface to the simplest storage API: an ordered
// key/value store.
type KeyValueDB interface {
	// Get returns a value given a key, or nil if the key is not present.
	Get(k TKey) ([]byte, error)

	// Put writes a value with given key.
	Put(k TKey, v []byte) error

	// PutRange writes key-value pairs in one atomic batch.
	PutRange(kvs []TKeyValue) error

	// Delete removes an entry given key.
	Delete(k TKey) error

	// ProcessPrefix calls f on every key-value pair whose key starts with
	// prefix, in key order.  Iteration stops at the first error from f.
	ProcessPrefix(prefix TKey, f func(*TKeyValue) error) error

	// Sync flushes pending writes to durable storage.
	Sync() error

	// Close closes the database.
	Close()

	String() string
}

var (
	availEngines   = make(map[string]Engine)
	availEnginesMu sync.RWMutex
)

// RegisterEngine registers an Engine for use.
func RegisterEngine(e Engine) {
	availEnginesMu.Lock()
	defer availEnginesMu.Unlock()
	if _, found := availEngines[e.GetName()]; found {
		mm.Errorf("storage engine %q registered twice\n", e.GetName())
	}
	availEngines[e.GetName()] = e
}

// GetEngine returns the registered engine with the given name.
func GetEngine(name string) (Engine, bool) {
	availEnginesMu.RLock()
	defer availEnginesMu.RUnlock()
	e, found := availEngines[name]
	return e, found
}

// EnginesAvailable returns a description of the available storage engines.
func EnginesAvailable() string {
	availEnginesMu.RLock()
	defer availEnginesMu.RUnlock()
	var engines []string
	for _, e := range availEngines {
		engines = append(engines, e.String())
	}
	sort.Strings(engines)
	return strings.Join(engines, "; ")
}

// NewStore opens a database using the named engine.
func NewStore(engineName string, config Config) (KeyValueDB, bool, error) {
	e, found := GetEngine(engineName)
	if !found {
		return nil, false, fmt.Errorf("storage engine %q not available (have %s)", engineName, EnginesAvailable())
	}
	return e.NewStore(config)
}
