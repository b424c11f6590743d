package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"vaultfs/internal/common"
)

// Kind tags the on-disk flavor of a node.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Meta is the durable metadata half of a node's artifact pair. Times
// are unix nanoseconds and persist only when the store was opened with
// StoreTime.
type Meta struct {
	Kind   Kind              `cbor:"kind"`
	Mode   uint32            `cbor:"mode"`
	UID    uint32            `cbor:"uid"`
	GID    uint32            `cbor:"gid"`
	Nlink  uint32            `cbor:"nlink"`
	Size   int64             `cbor:"size"`
	Atime  int64             `cbor:"atime,omitempty"`
	Mtime  int64             `cbor:"mtime,omitempty"`
	Ctime  int64             `cbor:"ctime,omitempty"`
	Btime  int64             `cbor:"btime,omitempty"`
	IV     []byte            `cbor:"iv"`
	Xattrs map[string][]byte `cbor:"xattrs,omitempty"`
}

// SetTimes stores the given instants as unix nanoseconds.
func (m *Meta) SetTimes(atime, mtime, ctime time.Time) {
	m.Atime = atime.UnixNano()
	m.Mtime = mtime.UnixNano()
	m.Ctime = ctime.UnixNano()
}

// metaEnvelope wraps the encoded payload with its integrity tag. The
// MAC covers the raw payload bytes, so re-encoding cannot invalidate it.
type metaEnvelope struct {
	Payload []byte `cbor:"payload"`
	MAC     []byte `cbor:"mac"`
}

func encodeMeta(m *Meta, macKey []byte) ([]byte, error) {
	payload, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return cbor.Marshal(metaEnvelope{
		Payload: payload,
		MAC:     metaMAC(macKey, payload),
	})
}

func decodeMeta(raw, macKey []byte, verify bool) (*Meta, error) {
	var env metaEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed metadata envelope", common.ErrCorrupt)
	}
	if verify && !verifyMetaMAC(macKey, env.Payload, env.MAC) {
		return nil, fmt.Errorf("%w: metadata MAC mismatch", common.ErrCorrupt)
	}
	m := new(Meta)
	if err := cbor.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: malformed metadata payload", common.ErrCorrupt)
	}
	return m, nil
}

func writeMetaFile(path string, m *Meta, macKey []byte) error {
	raw, err := encodeMeta(m, macKey)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("%w: writing metadata: %v", common.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: committing metadata: %v", common.ErrIO, err)
	}
	return nil
}

func readMetaFile(path string, macKey []byte, verify bool) (*Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading metadata: %v", common.ErrIO, err)
	}
	return decodeMeta(raw, macKey, verify)
}
