// Copyright 2025 VaultFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage materializes and persists encrypted node artifacts.
// Every logical file is a pair of artifacts keyed by its identifier: a
// content artifact (an encrypted block stream) and a metadata artifact
// (CBOR with an integrity MAC). The layout below the storage root is
// owned by this package and opaque to the rest of the system.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"vaultfs/internal/common"
)

const (
	// DefaultBlockSize is the plaintext bytes sealed per block.
	DefaultBlockSize = 4096
	// DefaultIVSize is the per-node IV length in bytes.
	DefaultIVSize = 12
	// MaxIVSize bounds the IV to the AEAD nonce length.
	MaxIVSize = 12
)

// Options configure a Store.
type Options struct {
	Root      string
	MasterKey MasterKey
	Version   int
	BlockSize int // zero means DefaultBlockSize
	IVSize    int // zero means DefaultIVSize
	Verify    bool
	StoreTime bool
}

// Store owns the artifact tree under one storage root. It is safe for
// concurrent use; per-artifact serialization is the caller's concern.
type Store struct {
	root      string
	master    MasterKey
	blockSize int
	ivSize    int
	verify    bool
	storeTime bool
	lock      *flock.Flock
}

// Open attaches to a storage root, taking the root lock and creating or
// validating the durable mount parameters.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: storage root is required", common.ErrInvalid)
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.IVSize == 0 {
		opts.IVSize = DefaultIVSize
	}
	if opts.BlockSize < 64 {
		return nil, fmt.Errorf("%w: block size %d too small", common.ErrInvalid, opts.BlockSize)
	}
	if opts.IVSize < 1 || opts.IVSize > MaxIVSize {
		return nil, fmt.Errorf("%w: IV size %d out of range", common.ErrInvalid, opts.IVSize)
	}
	if err := os.MkdirAll(opts.Root, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating storage root: %v", common.ErrIO, err)
	}

	lock, err := acquireLock(context.Background(), opts.Root)
	if err != nil {
		return nil, err
	}

	params, found, err := loadParams(opts.Root)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if found {
		if params.BlockSize != opts.BlockSize || params.IVSize != opts.IVSize || params.Version != opts.Version {
			lock.Unlock()
			return nil, fmt.Errorf("%w: mount parameters disagree with %s", common.ErrInvalid, ParamsFileName)
		}
	} else {
		p := Params{Version: opts.Version, BlockSize: opts.BlockSize, IVSize: opts.IVSize}
		if err := saveParams(opts.Root, p); err != nil {
			lock.Unlock()
			return nil, err
		}
	}

	return &Store{
		root:      opts.Root,
		master:    opts.MasterKey,
		blockSize: opts.BlockSize,
		ivSize:    opts.IVSize,
		verify:    opts.Verify,
		storeTime: opts.StoreTime,
		lock:      lock,
	}, nil
}

// Close releases the storage root lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// StoreTime reports whether timestamps persist across mounts.
func (s *Store) StoreTime() bool {
	return s.storeTime
}

func (s *Store) shardDir(id common.ID) string {
	return filepath.Join(s.root, id.String()[:2])
}

func (s *Store) dataPath(id common.ID) string {
	return filepath.Join(s.shardDir(id), id.String()+".data")
}

func (s *Store) metaPath(id common.ID) string {
	return filepath.Join(s.shardDir(id), id.String()+".meta")
}

func (s *Store) newArtifact(f *os.File, id common.ID, iv []byte, size int64) (*Artifact, error) {
	key, err := contentKey(s.master, id)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Artifact{f: f, aead: aead, iv: iv, blockSize: s.blockSize, size: size}, nil
}

// Materialize opens the artifact pair for id. It fails with
// common.ErrNotFound when the artifacts are absent and with
// common.ErrCorrupt when integrity verification fails.
func (s *Store) Materialize(id common.ID) (*Artifact, *Meta, error) {
	macKey, err := metaKey(s.master, id)
	if err != nil {
		return nil, nil, err
	}
	meta, err := readMetaFile(s.metaPath(id), macKey, s.verify)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(s.dataPath(id), os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: content artifact for %s missing", common.ErrCorrupt, id)
		}
		return nil, nil, fmt.Errorf("%w: opening content artifact: %v", common.ErrIO, err)
	}
	art, err := s.newArtifact(f, id, meta.IV, meta.Size)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return art, meta, nil
}

// Allocate creates a fresh artifact pair for id with zero-initialized
// metadata. It fails with common.ErrExists when artifacts for id are
// already present.
func (s *Store) Allocate(id common.ID, kind Kind) (*Artifact, *Meta, error) {
	if err := os.MkdirAll(s.shardDir(id), 0700); err != nil {
		return nil, nil, fmt.Errorf("%w: creating shard directory: %v", common.ErrIO, err)
	}
	iv, err := newFileIV(s.ivSize)
	if err != nil {
		return nil, nil, err
	}
	meta := &Meta{Kind: kind, IV: iv}

	f, err := os.OpenFile(s.dataPath(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil, common.ErrExists
		}
		return nil, nil, fmt.Errorf("%w: creating content artifact: %v", common.ErrIO, err)
	}
	if err := s.SaveMeta(id, meta); err != nil {
		f.Close()
		os.Remove(s.dataPath(id))
		return nil, nil, err
	}
	art, err := s.newArtifact(f, id, iv, 0)
	if err != nil {
		f.Close()
		s.Remove(id)
		return nil, nil, err
	}
	return art, meta, nil
}

// SaveMeta persists the metadata artifact for id. Timestamps are
// stripped unless the store persists time.
func (s *Store) SaveMeta(id common.ID, m *Meta) error {
	macKey, err := metaKey(s.master, id)
	if err != nil {
		return err
	}
	out := *m
	if !s.storeTime {
		out.Atime, out.Mtime, out.Ctime, out.Btime = 0, 0, 0, 0
	}
	return writeMetaFile(s.metaPath(id), &out, macKey)
}

// Remove deletes both artifacts for id. Absent artifacts are not an
// error; the logical tree no longer references them either way.
func (s *Store) Remove(id common.ID) error {
	var firstErr error
	for _, p := range []string{s.dataPath(id), s.metaPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: removing artifact: %v", common.ErrIO, err)
			}
			log.Warnf("removing artifact %s: %v", p, err)
		}
	}
	return firstErr
}

// FSStat carries storage statistics for statfs.
type FSStat struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	BlocksUsed uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint32
}

// StatFS reports statistics for the storage root. Capacity figures are
// synthetic; the file count reflects the artifacts actually present.
func (s *Store) StatFS() (*FSStat, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "??", "*.meta"))
	if err != nil {
		return nil, fmt.Errorf("%w: scanning storage root: %v", common.ErrIO, err)
	}
	const totalBlocks = 1 << 30
	var used uint64
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			used += uint64(info.Size())
		}
	}
	usedBlocks := used / uint64(s.blockSize)
	return &FSStat{
		BlockSize:  uint32(s.blockSize),
		Blocks:     totalBlocks,
		BlocksFree: totalBlocks - usedBlocks,
		BlocksUsed: usedBlocks,
		Files:      uint64(len(matches)),
		FilesFree:  1 << 30,
		NameMax:    255,
	}, nil
}
