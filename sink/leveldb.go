package sink

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB keeps completed blobs keyed by peer and image id.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDB wraps an open database.
func NewLevelDB(db *leveldb.DB) *LevelDB {
	return &LevelDB{db: db}
}

func blobKey(peer string, imageId uint32) []byte {
	key := make([]byte, 0, len("blob/")+len(peer)+5)
	key = append(key, "blob/"...)
	key = append(key, peer...)
	key = append(key, '/')
	// big-endian so a peer's blobs iterate in id order
	return binary.BigEndian.AppendUint32(key, imageId)
}

func (l *LevelDB) OnBlobComplete(peer string, imageId uint32, blob []byte) error {
	if err := l.db.Put(blobKey(peer, imageId), blob, nil); err != nil {
		return fmt.Errorf("store image %d from %s: %w", imageId, peer, err)
	}
	log.Debugf("stored image %d from %s (%d bytes)", imageId, peer, len(blob))
	return nil
}

func (l *LevelDB) Get(peer string, imageId uint32) ([]byte, error) {
	return l.db.Get(blobKey(peer, imageId), nil)
}

// Ids lists the stored image ids of peer in increasing order.
func (l *LevelDB) Ids(peer string) ([]uint32, error) {
	prefix := []byte("blob/" + peer + "/")
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var ids []uint32
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+4 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint32(key[len(prefix):]))
	}
	return ids, iter.Error()
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
