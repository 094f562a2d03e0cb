/*
	Package badger implements the default key-value engine using BadgerDB.
*/
package badger

import (
	"fmt"
	"os"
	"time"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/storage"
)

const (
	// DefaultVersionsToKeep is the number of versions to keep per key.  Index entries
	// are immutable or replaced wholesale so only the latest is needed.
	DefaultVersionsToKeep = 1

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.  The index is checkpointed explicitly via Sync().
	DefaultSyncWrites = false

	// SyncInterval is the period between background syncs.
	SyncInterval = 30 * time.Second
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		mm.Errorf("Unable to make semver in badger: %v\n", err)
	}
	e := Engine{"badger", "BadgerDB", ver}
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

// NewStore returns a badger. The passed Config must contain a path.
func (e Engine) NewStore(config storage.Config) (storage.KeyValueDB, bool, error) {
	return e.newDB(config)
}

// Periodically sync to prevent too many writes from being buffered
// if the process crashes.
func syncPeriodically(db *BadgerDB) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			mm.Debugf("Stopping sync goroutine for badger @ %s\n", db.directory)
			return
		case <-ticker.C:
			if err := db.bdp.Sync(); err != nil {
				mm.Errorf("periodic sync of badger @ %s: %v\n", db.directory, err)
			}
		}
	}
}

// newDB returns a Badger backend, creating one at path if it doesn't exist.
func (e Engine) newDB(config storage.Config) (*BadgerDB, bool, error) {
	path := config.Path
	if path == "" {
		return nil, false, fmt.Errorf("path must be specified for BadgerDB configuration")
	}

	// Is there a database already at this path?  If not, create.
	var created bool
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if config.ReadOnly {
			return nil, false, fmt.Errorf("no database at %s to open read-only", path)
		}
		mm.Debugf("Database not already at path (%s). Creating directory...\n", path)
		created = true
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, true, mm.NewIOError("mkdir", path, err)
		}
	}

	opts := getOptions(path, config)
	badgerDB := &BadgerDB{
		directory:  path,
		config:     config,
		stopSyncCh: make(chan struct{}),
	}

	mm.Debugf("Opening badger @ path %s\n", path)
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, false, fmt.Errorf("unable to open badger @ %s: %v", path, err)
	}
	badgerDB.bdp = bdp

	if !config.ReadOnly {
		go syncPeriodically(badgerDB)
	}
	return badgerDB, created, nil
}

func getOptions(path string, config storage.Config) badger.Options {
	return badger.DefaultOptions(path).
		WithNumVersionsToKeep(DefaultVersionsToKeep).
		WithSyncWrites(config.SyncWrites || DefaultSyncWrites).
		WithReadOnly(config.ReadOnly).
		WithLogger(badgerLogger{})
}

// badgerLogger routes badger's chatter through our logger, demoting info to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { mm.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { mm.Warningf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { mm.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   {}

func (db *BadgerDB) String() string {
	return fmt.Sprintf("badger @ %s", db.directory)
}

// --- The BadgerDB Implementation must satisfy a storage.KeyValueDB interface ----

type BadgerDB struct {
	// Directory of datastore
	directory string

	// Config at time of Open()
	config storage.Config

	bdp *badger.DB

	// stopSyncCh is used to signal the sync goroutine to stop.
	stopSyncCh chan struct{}
}

// Close closes the BadgerDB
func (db *BadgerDB) Close() {
	if db != nil && db.bdp != nil {
		if !db.config.ReadOnly {
			close(db.stopSyncCh)
		}
		if err := db.bdp.Close(); err != nil {
			mm.Errorf("closing badger @ %s: %v\n", db.directory, err)
		} else {
			mm.Debugf("Closed Badger DB @ %s\n", db.directory)
		}
		db.bdp = nil
	}
}

// Get returns nil if the key is not present.
func (db *BadgerDB) Get(k storage.TKey) ([]byte, error) {
	if db == nil || db.bdp == nil {
		return nil, fmt.Errorf("can't call Get on nil or closed BadgerDB")
	}
	var v []byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	storage.StoreBytesRead.Add(float64(len(v)))
	return v, err
}

func (db *BadgerDB) Put(k storage.TKey, v []byte) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Put on nil or closed BadgerDB")
	}
	err := db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
	storage.StoreBytesWritten.Add(float64(len(k) + len(v)))
	return err
}

// PutRange writes all pairs through a badger write batch.
func (db *BadgerDB) PutRange(kvs []storage.TKeyValue) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call PutRange on nil or closed BadgerDB")
	}
	wb := db.bdp.NewWriteBatch()
	defer wb.Cancel()
	var n int
	for _, kv := range kvs {
		if err := wb.Set(kv.K, kv.V); err != nil {
			return err
		}
		n += len(kv.K) + len(kv.V)
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	storage.StoreBytesWritten.Add(float64(n))
	return nil
}

func (db *BadgerDB) Delete(k storage.TKey) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Delete on nil or closed BadgerDB")
	}
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (db *BadgerDB) ProcessPrefix(prefix storage.TKey, f func(*storage.TKeyValue) error) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call ProcessPrefix on nil or closed BadgerDB")
	}
	return db.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			storage.StoreBytesRead.Add(float64(len(v)))
			if err := f(&storage.TKeyValue{K: item.KeyCopy(nil), V: v}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BadgerDB) Sync() error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Sync on nil or closed BadgerDB")
	}
	return db.bdp.Sync()
}
