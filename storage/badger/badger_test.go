package badger

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/micro-manager/mmstore/storage"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type DataSuite struct {
	dir string
	db  storage.KeyValueDB
}

var _ = Suite(&DataSuite{})

func (s *DataSuite) SetUpTest(c *C) {
	s.dir = filepath.Join(c.MkDir(), "index")
	db, created, err := storage.NewStore("badger", storage.Config{Path: s.dir})
	c.Assert(err, IsNil)
	c.Assert(created, Equals, true)
	s.db = db
}

func (s *DataSuite) TearDownTest(c *C) {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *DataSuite) TestGetPut(c *C) {
	v, err := s.db.Get(storage.TKey("missing"))
	c.Assert(err, IsNil)
	c.Assert(v, IsNil)

	c.Assert(s.db.Put(storage.TKey("a"), []byte("apple")), IsNil)
	v, err = s.db.Get(storage.TKey("a"))
	c.Assert(err, IsNil)
	c.Assert(string(v), Equals, "apple")

	c.Assert(s.db.Delete(storage.TKey("a")), IsNil)
	v, err = s.db.Get(storage.TKey("a"))
	c.Assert(err, IsNil)
	c.Assert(v, IsNil)
}

func (s *DataSuite) TestProcessPrefix(c *C) {
	var kvs []storage.TKeyValue
	for i := 9; i >= 0; i-- {
		kvs = append(kvs, storage.TKeyValue{K: storage.TKey(fmt.Sprintf("p%d", i)), V: []byte{byte(i)}})
	}
	kvs = append(kvs, storage.TKeyValue{K: storage.TKey("q0"), V: []byte{42}})
	c.Assert(s.db.PutRange(kvs), IsNil)

	var got [][]byte
	err := s.db.ProcessPrefix(storage.TKey("p"), func(kv *storage.TKeyValue) error {
		got = append(got, kv.V)
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(got, HasLen, 10)
	for i, v := range got {
		c.Assert(bytes.Equal(v, []byte{byte(i)}), Equals, true)
	}
}

func (s *DataSuite) TestReopen(c *C) {
	c.Assert(s.db.Put(storage.TKey("durable"), []byte("yes")), IsNil)
	c.Assert(s.db.Sync(), IsNil)
	s.db.Close()

	db, created, err := storage.NewStore("badger", storage.Config{Path: s.dir})
	c.Assert(err, IsNil)
	c.Assert(created, Equals, false)
	s.db = db
	v, err := s.db.Get(storage.TKey("durable"))
	c.Assert(err, IsNil)
	c.Assert(string(v), Equals, "yes")
}
