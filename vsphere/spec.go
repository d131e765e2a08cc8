package vsphere

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VMSpec describes one virtual machine to create.
type VMSpec struct {
	Name        string `yaml:"name"`
	CPUCount    int32  `yaml:"cpuCount"`
	MemoryGB    int64  `yaml:"memoryGB"`
	DiskGB      int64  `yaml:"diskGB"`
	NetworkName string `yaml:"networkName"`
}

func (s VMSpec) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name is empty")
	}
	if s.CPUCount <= 0 {
		problems = append(problems, "cpuCount must be positive")
	}
	if s.MemoryGB <= 0 {
		problems = append(problems, "memoryGB must be positive")
	}
	if s.DiskGB <= 0 {
		problems = append(problems, "diskGB must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(problems, ", "))
	}
	return nil
}

// LoadSpecs decodes a YAML list of VM specs. Unknown keys are rejected so a
// typo like "memoryGb" fails loudly instead of creating a 0 MB VM.
func LoadSpecs(r io.Reader) ([]VMSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var specs []VMSpec
	if err := dec.Decode(&specs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no VM specs", ErrInvalidSpec)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no VM specs", ErrInvalidSpec)
	}

	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("spec %d: %w: duplicate name %q", i, ErrInvalidSpec, spec.Name)
		}
		seen[spec.Name] = true
	}
	return specs, nil
}

func LoadSpecsFile(path string) ([]VMSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open VM specs: %w", err)
	}
	defer f.Close()
	return LoadSpecs(f)
}
