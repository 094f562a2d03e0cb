package memory

import (
	"errors"
	"testing"

	"github.com/micro-manager/mmstore/storage"
)

func TestMemoryDB(t *testing.T) {
	db, created, err := storage.NewStore("memory", storage.Config{})
	if err != nil {
		t.Fatalf("can't open memory engine: %v\n", err)
	}
	if !created {
		t.Errorf("expected new memory store to be reported as created\n")
	}
	defer db.Close()

	if err := db.PutRange([]storage.TKeyValue{
		{K: storage.TKey("b2"), V: []byte("2")},
		{K: storage.TKey("b1"), V: []byte("1")},
		{K: storage.TKey("c1"), V: []byte("3")},
	}); err != nil {
		t.Fatalf("PutRange: %v\n", err)
	}
	var keys []string
	err = db.ProcessPrefix(storage.TKey("b"), func(kv *storage.TKeyValue) error {
		keys = append(keys, string(kv.K))
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessPrefix: %v\n", err)
	}
	if len(keys) != 2 || keys[0] != "b1" || keys[1] != "b2" {
		t.Errorf("bad prefix iteration: %v\n", keys)
	}

	stop := errors.New("stop")
	err = db.ProcessPrefix(storage.TKey(""), func(kv *storage.TKeyValue) error { return stop })
	if err != stop {
		t.Errorf("expected iteration error to propagate, got %v\n", err)
	}

	v, err := db.Get(storage.TKey("zz"))
	if err != nil || v != nil {
		t.Errorf("expected nil value for missing key, got %v, %v\n", v, err)
	}
}

func TestUnknownEngine(t *testing.T) {
	if _, _, err := storage.NewStore("leveldb", storage.Config{}); err == nil {
		t.Errorf("expected error for unknown engine\n")
	}
}
