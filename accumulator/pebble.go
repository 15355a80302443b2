// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package accumulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Sets and hashes are flattened into ordered keys:
//
//	's' uvarint(len(set key))  <set key>  <member> -> empty
//	'h' uvarint(len(hash key)) <hash key> <field>  -> value
//
// so that every member of a set or field of a hash is found by a prefix scan.
// The length prefix keeps keys containing arbitrary bytes apart.
const (
	setTag  = 's'
	hashTag = 'h'
)

// PebbleStore is a Store backed by an embedded pebble database. It serves
// single node deployments and tests.
type PebbleStore struct {
	db           *pebble.DB
	writeOptions *pebble.WriteOptions
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens a store in dir. An in-memory file system is used if
// inMemory is set, in which case dir is only used as a name.
func OpenPebbleStore(dir string, inMemory bool) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if inMemory {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create pebble db: %w", err)
	}
	return &PebbleStore{db: db, writeOptions: pebble.Sync}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Session returns a session buffering writes in a pebble batch.
func (s *PebbleStore) Session(context.Context) (Session, error) {
	return &pebbleSession{store: s, batch: s.db.NewBatch()}, nil
}

// SMembers implements Reader.
func (s *PebbleStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.scan(keyPrefix(setTag, key), func(member string, _ []byte) error {
		members = append(members, member)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	return members, nil
}

// HScan implements Reader.
func (s *PebbleStore) HScan(ctx context.Context, key string, fn func(string, []byte) error) error {
	return s.scan(keyPrefix(hashTag, key), fn)
}

func (s *PebbleStore) scan(prefix []byte, fn func(string, []byte) error) (resultErr error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
		KeyTypes:   pebble.IterKeyTypePointsOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() {
		resultErr = errors.Join(resultErr, iter.Close())
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		value := append([]byte(nil), iter.Value()...)
		if err := fn(name, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyPrefix(tag byte, key string) []byte {
	b := make([]byte, 0, len(key)+binary.MaxVarintLen64+1)
	b = append(b, tag)
	b = binary.AppendUvarint(b, uint64(len(key)))
	return append(b, key...)
}

func encodeKey(tag byte, key, member string) []byte {
	return append(keyPrefix(tag, key), member...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func prefixUpperBound(prefix []byte) []byte {
	ub := append([]byte(nil), prefix...)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] != 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}

type pebbleSession struct {
	store  *PebbleStore
	batch  *pebble.Batch
	staged int
}

func (s *pebbleSession) SAdd(key, member string) {
	if s.batch == nil {
		return
	}
	// Set on an existing member rewrites the same empty value, which keeps
	// the add idempotent.
	_ = s.batch.Set(encodeKey(setTag, key, member), nil, nil)
	s.staged++
}

func (s *pebbleSession) HSet(key, field string, value []byte) {
	if s.batch == nil {
		return
	}
	_ = s.batch.Set(encodeKey(hashTag, key, field), value, nil)
	s.staged++
}

func (s *pebbleSession) Staged() int {
	return s.staged
}

func (s *pebbleSession) Exec(context.Context) error {
	if s.batch == nil {
		return ErrSessionClosed
	}
	if s.staged == 0 {
		return nil
	}
	batch := s.batch
	s.batch = s.store.db.NewBatch()
	s.staged = 0
	if err := errors.Join(batch.Commit(s.store.writeOptions), batch.Close()); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *pebbleSession) Close() error {
	if s.batch == nil {
		return nil
	}
	batch := s.batch
	s.batch = nil
	s.staged = 0
	return batch.Close()
}
