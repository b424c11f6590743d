package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"vaultfs/internal/common"
)

// ParamsFileName holds the durable mount parameters beside the
// artifacts. The master key is never written here.
const ParamsFileName = "vault.yaml"

// Params are the mount parameters that must agree across mounts of the
// same storage root.
type Params struct {
	Version   int `yaml:"version"`
	BlockSize int `yaml:"block_size"`
	IVSize    int `yaml:"iv_size"`
}

func saveParams(root string, p Params) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding mount parameters: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ParamsFileName), raw, 0600); err != nil {
		return fmt.Errorf("%w: writing mount parameters: %v", common.ErrIO, err)
	}
	return nil
}

// loadParams reads the durable parameters; ok is false when the storage
// root has none yet.
func loadParams(root string) (Params, bool, error) {
	raw, err := os.ReadFile(filepath.Join(root, ParamsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Params{}, false, nil
		}
		return Params{}, false, fmt.Errorf("%w: reading mount parameters: %v", common.ErrIO, err)
	}
	var p Params
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Params{}, false, fmt.Errorf("%w: malformed mount parameters", common.ErrCorrupt)
	}
	return p, true, nil
}
