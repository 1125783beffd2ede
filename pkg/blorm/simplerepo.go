package blorm

import (
	"fmt"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

type SimpleRepository struct {
	bucketName  []byte
	alloc       func() any
	idExtractor func(record any) []byte
}

var _ Repository = (*SimpleRepository)(nil)

func NewSimpleRepo(bucketName string, allocator func() any, idExtractor func(any) []byte) *SimpleRepository {
	return &SimpleRepository{
		bucketName:  []byte(bucketName),
		alloc:       allocator,
		idExtractor: idExtractor,
	}
}

// Bootstrap is idempotent
func (r *SimpleRepository) Bootstrap(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(r.bucketName)
	return err
}

func (r *SimpleRepository) Alloc() any {
	return r.alloc()
}

func (r *SimpleRepository) OpenByPrimaryKey(id []byte, record any, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	data := bucket.Get(id)
	if data == nil {
		return ErrNotFound
	}

	return msgpack.Codec.Unmarshal(data, record)
}

func (r *SimpleRepository) Update(record any, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	data, err := msgpack.Codec.Marshal(record)
	if err != nil {
		return err
	}

	return bucket.Put(r.idExtractor(record), data)
}

func (r *SimpleRepository) Delete(record any, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	id := r.idExtractor(record)

	if bucket.Get(id) == nil { // bucket.Delete() does not return error for non-existing keys
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	return bucket.Delete(id)
}

func (r *SimpleRepository) Each(fn func(record any) error, tx *bbolt.Tx) error {
	return r.EachFrom(StartFromFirst, fn, tx)
}

func (r *SimpleRepository) EachFrom(from []byte, fn func(record any) error, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	all := bucket.Cursor()

	key, value := all.First()
	if len(from) > 0 {
		key, value = all.Seek(from)
	}

	for ; key != nil; key, value = all.Next() {
		record := r.alloc()

		if err := msgpack.Codec.Unmarshal(value, record); err != nil {
			return fmt.Errorf("%s/%s: %w", r.bucketName, key, err)
		}

		if err := fn(record); err != nil {
			if err == StopIteration {
				return nil // not an error, so don't give one out
			}

			return err
		}
	}

	return nil
}
