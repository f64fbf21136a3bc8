package registry

import (
	"fmt"
	"os"

	"helmsman/pkg/logging"

	"gopkg.in/yaml.v3"
)

// Load reads the registry catalog from a YAML file and validates it.
func Load(path string) (*Registry, error) {
	file, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	logging.Info("Registry", "Loaded %d services, %d models, %d app policies from %s",
		len(file.Services), len(file.Models), len(file.Apps), path)
	return New(file), nil
}

// ReloadFromFile re-reads the catalog and swaps it in, preserving runtime
// state for entries that survive. A malformed file leaves the current
// catalog untouched.
func (r *Registry) ReloadFromFile(path string) error {
	file, err := parseFile(path)
	if err != nil {
		return err
	}
	r.apply(file)
	logging.Info("Registry", "Reloaded catalog from %s (%d services, %d models)",
		path, len(file.Services), len(file.Models))
	return nil
}

func parseFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}

	if err := validate(file); err != nil {
		return File{}, fmt.Errorf("invalid registry file %s: %w", path, err)
	}
	return file, nil
}

func validate(file File) error {
	seen := make(map[string]bool, len(file.Services))
	for _, svc := range file.Services {
		if svc.ID == "" {
			return fmt.Errorf("service with empty id")
		}
		if seen[svc.ID] {
			return fmt.Errorf("duplicate service id %s", svc.ID)
		}
		seen[svc.ID] = true
	}

	// Dependencies must reference declared services; cycle detection is the
	// resolver's job.
	for _, svc := range file.Services {
		for _, dep := range svc.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("service %s depends on undeclared service %s", svc.ID, dep)
			}
		}
	}

	seenModels := make(map[string]bool, len(file.Models))
	for _, m := range file.Models {
		if m.ID == "" {
			return fmt.Errorf("model with empty id")
		}
		if seenModels[m.ID] {
			return fmt.Errorf("duplicate model id %s", m.ID)
		}
		seenModels[m.ID] = true
	}

	return nil
}
