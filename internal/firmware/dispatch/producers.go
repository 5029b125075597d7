package dispatch

import (
	"fmt"

	"github.com/ghodss/yaml"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
)

// Produces lists what a module installs once it has been dispatched.
type Produces struct {
	PPIs      []efi.GUID `json:"ppis,omitempty"`
	Protocols []efi.GUID `json:"protocols,omitempty"`
}

// Producers associates a file GUID with the GUIDs it produces. It is usually
// extracted from build records by an external tool.
type Producers map[efi.GUID]Produces

// LoadProducers reads a producer map from YAML or JSON:
//
//	<file-guid>:
//	  ppis: [<guid>, ...]
//	  protocols: [<guid>, ...]
func LoadProducers(b []byte) (Producers, error) {
	p := Producers{}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("failed to parse producer map: %w", err)
	}
	return p, nil
}

// Merge returns a map with the entries of o added to p. Lists of files present
// in both are concatenated.
func (p Producers) Merge(o Producers) Producers {
	out := make(Producers, len(p)+len(o))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range o {
		cur := out[k]
		cur.PPIs = append(append([]efi.GUID(nil), cur.PPIs...), v.PPIs...)
		cur.Protocols = append(append([]efi.GUID(nil), cur.Protocols...), v.Protocols...)
		out[k] = cur
	}
	return out
}
