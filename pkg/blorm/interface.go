// "Bolt Light ORM", doesn't do much else than persist structs into Bolt..
package blorm

import (
	"errors"

	"go.etcd.io/bbolt"
)

var (
	ErrNotFound       = errors.New("database: record not found")
	ErrBucketNotFound = errors.New("database: bucket not found (bootstrap required?)")
	StopIteration     = errors.New("blorm: stop iteration")
)

var StartFromFirst = []byte("")

type Repository interface {
	Bootstrap(tx *bbolt.Tx) error
	OpenByPrimaryKey(id []byte, record any, tx *bbolt.Tx) error
	Update(record any, tx *bbolt.Tx) error
	Delete(record any, tx *bbolt.Tx) error
	// return blorm.StopIteration from "fn" to stop iteration. that error is not returned
	// to the API caller
	Each(fn func(record any) error, tx *bbolt.Tx) error
	// rules of Each() also apply here
	EachFrom(from []byte, fn func(record any) error, tx *bbolt.Tx) error
	Alloc() any
}
