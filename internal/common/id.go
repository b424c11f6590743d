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

package common

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// IDSize is the length in bytes of a node identifier.
const IDSize = 16

// ID names one logical file. Identifiers are drawn from cryptographically
// strong randomness at creation, are unique within a mount, and compare
// byte-wise. The zero ID names the root directory.
type ID [IDSize]byte

// NewID returns a fresh random identifier.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID decodes the hex form produced by String.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDSize {
		return id, ErrInvalid
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsRoot reports whether id is the root directory identifier.
func (id ID) IsRoot() bool {
	return id == ID{}
}
