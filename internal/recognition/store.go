package recognition

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Identity is a known person: a name and one or more reference face
// encodings. Immutable once loaded.
type Identity struct {
	Name      string
	Encodings [][]float64
}

// identityFile is the on-disk artifact produced by the training pipeline:
//
//	identities:
//	  alice:
//	    - [0.12, -0.08, ...]
//	  bob:
//	    - [0.33, 0.01, ...]
//	    - [0.31, 0.02, ...]
type identityFile struct {
	Identities map[string][][]float64 `yaml:"identities"`
}

// LoadIdentities reads the identity store from a YAML artifact. The result
// is sorted by name so matching order is deterministic. A non-zero limit
// caps how many identities the store may contain.
func LoadIdentities(path string, limit int) ([]Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity store: %w", err)
	}

	var file identityFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing identity store %s: %w", path, err)
	}
	if len(file.Identities) == 0 {
		return nil, fmt.Errorf("identity store %s contains no identities", path)
	}
	if limit > 0 && len(file.Identities) > limit {
		return nil, fmt.Errorf("identity store %s holds %d identities, limit is %d", path, len(file.Identities), limit)
	}

	identities := make([]Identity, 0, len(file.Identities))
	for name, encodings := range file.Identities {
		if name == "" {
			return nil, fmt.Errorf("identity store %s contains an unnamed identity", path)
		}
		if len(encodings) == 0 {
			return nil, fmt.Errorf("identity %q has no encodings", name)
		}
		for i, enc := range encodings {
			if len(enc) == 0 {
				return nil, fmt.Errorf("identity %q encoding %d is empty", name, i)
			}
		}
		identities = append(identities, Identity{Name: name, Encodings: encodings})
	}

	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Name < identities[j].Name
	})
	return identities, nil
}
