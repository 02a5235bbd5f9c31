// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
	"os"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cfNum := len(option.ColumnFamily) + 1
	cols := make([]CF, 0, cfNum)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	cfNames := make([]string, 0, cfNum)
	cfOpts := make([]*rdb.Options, 0, cfNum)
	for i := 0; i < cfNum; i++ {
		cfNames = append(cfNames, cols[i].String())
		cfOpts = append(cfOpts, dbOpt)
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		dbOpt.Destroy()
		return nil, err
	}

	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle)
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	if option.Sync {
		wo.SetSync(option.Sync)
	}

	return &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		cfHandles: cfhMap,
	}, nil
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	opts.SetCreateIfMissingColumnFamilies(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.KeepLogFileNum > 0 {
		opts.SetKeepLogFileNum(opt.KeepLogFileNum)
	}
	if opt.MaxLogFileSize > 0 {
		opts.SetMaxLogFileSize(opt.MaxLogFileSize)
	}
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	return opts
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return nil, err
	}
	v, err := s.db.GetCF(s.readOpt, cf, key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	value = make([]byte, v.Size())
	copy(value, v.Data())
	return value, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return err
	}
	return s.db.PutCF(s.writeOpt, cf, key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return err
	}
	return s.db.DeleteCF(s.writeOpt, cf, key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte) ListReader {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return &errListReader{err: err}
	}

	t := s.db.NewIteratorCF(s.readOpt, cf)
	if prefix != nil {
		t.Seek(prefix)
	} else {
		t.SeekToFirst()
	}
	return &listReader{
		iterator: t,
		prefix:   prefix,
		isFirst:  true,
	}
}

func (s *rocksdb) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, h := range s.cfHandles {
		h.Destroy()
	}
	s.cfHandles = map[CF]*rdb.ColumnFamilyHandle{}
	s.db.Close()
	s.readOpt.Destroy()
	s.writeOpt.Destroy()
	s.opt.Destroy()
}

func (s *rocksdb) getColumnFamily(col CF) (*rdb.ColumnFamilyHandle, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	cf, ok := s.cfHandles[col]
	if !ok {
		return nil, errors.New("column family " + col.String() + " does not exist")
	}
	return cf, nil
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.isFirst {
		lr.isFirst = false
	} else {
		lr.iterator.Next()
	}
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}

	kg := lr.iterator.Key()
	vg := lr.iterator.Value()
	key = make([]byte, kg.Size())
	value = make([]byte, vg.Size())
	copy(key, kg.Data())
	copy(value, vg.Data())
	kg.Free()
	vg.Free()
	return key, value, nil
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

type errListReader struct {
	err error
}

func (lr *errListReader) ReadNextCopy() ([]byte, []byte, error) {
	return nil, nil, lr.err
}

func (lr *errListReader) Close() {}
