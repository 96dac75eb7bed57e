package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Device is one selectable gate.
type Device struct {
	Label string `mapstructure:"label" yaml:"label" json:"label" msgpack:"label"`
	Value string `mapstructure:"value" yaml:"value" json:"value" msgpack:"value"`
}

// DefaultDevices is the built-in gate catalog.
func DefaultDevices() []Device {
	return []Device{
		{Label: "Punceling Gate In 1", Value: "BAGT2212111400001"},
		{Label: "BAGT2212111400002", Value: "BAGT2212111400002"},
		{Label: "BAGT2212111500003", Value: "BAGT2212111500003"},
	}
}

type catalogFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadCatalog reads a YAML gate catalog:
//
//	devices:
//	  - label: North entrance
//	    value: BAGT2212111400001
//
// A missing label defaults to the value.
func LoadCatalog(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) ([]Device, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse catalog: %w", err)
	}
	if len(f.Devices) == 0 {
		return nil, fmt.Errorf("config: catalog has no devices")
	}
	seen := make(map[string]bool, len(f.Devices))
	out := make([]Device, 0, len(f.Devices))
	for i, d := range f.Devices {
		if d.Value == "" {
			return nil, fmt.Errorf("config: catalog device %d has no value", i)
		}
		if seen[d.Value] {
			return nil, fmt.Errorf("config: catalog lists %q twice", d.Value)
		}
		seen[d.Value] = true
		if d.Label == "" {
			d.Label = d.Value
		}
		out = append(out, d)
	}
	return out, nil
}

// Find returns the catalog entry for value.
func Find(devices []Device, value string) (Device, bool) {
	for _, d := range devices {
		if d.Value == value {
			return d, true
		}
	}
	return Device{}, false
}
