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

package storage

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"vaultfs/internal/common"
)

// KeySize is the master key length in bytes.
const KeySize = 32

// MasterKey is the mount-wide secret all per-node keys derive from.
type MasterKey [KeySize]byte

const (
	contentKeyInfo = "vaultfs/content"
	metaKeyInfo    = "vaultfs/meta"
)

// contentKey derives the per-node content key from the master key and
// the node identifier.
func contentKey(master MasterKey, id common.ID) ([]byte, error) {
	return deriveKey(master, id, contentKeyInfo, chacha20poly1305.KeySize)
}

// metaKey derives the per-node metadata MAC key.
func metaKey(master MasterKey, id common.ID) ([]byte, error) {
	return deriveKey(master, id, metaKeyInfo, sha256.Size)
}

func deriveKey(master MasterKey, id common.ID, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, master[:], id[:], []byte(info))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// newFileIV returns a fresh random per-node IV of the given size.
func newFileIV(size int) ([]byte, error) {
	iv := make([]byte, size)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating file IV: %w", err)
	}
	return iv, nil
}

// blockNonce combines the per-node IV with a block index. The IV fills
// the front of the nonce and the big-endian index is folded into the
// trailing eight bytes, so every block of a node seals under a distinct
// nonce.
func blockNonce(iv []byte, index uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, iv)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i, b := range ctr {
		nonce[len(nonce)-8+i] ^= b
	}
	return nonce
}

// metaMAC computes the integrity tag over a metadata payload.
func metaMAC(key, payload []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(payload)
	return m.Sum(nil)
}

func verifyMetaMAC(key, payload, tag []byte) bool {
	return hmac.Equal(metaMAC(key, payload), tag)
}
