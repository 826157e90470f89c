package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fleetimage/imageforge/model"
)

// loadProfileFile parses a YAML (primary) or JSON (equivalent) profile
// document (spec §6 "Profile on-disk format"); the core itself never parses
// these, only this adapter.
func loadProfileFile(path string) (*model.Profile, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile file %s: %w", path, err)
	}

	var p model.Profile
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("parsing profile JSON %s: %w", path, err)
		}
		return &p, nil
	}
	if err := yaml.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parsing profile YAML %s: %w", path, err)
	}
	return &p, nil
}

// writeProfileYAML renders a profile back to its on-disk YAML shape.
func writeProfileYAML(w io.Writer, p model.Profile) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encoding profile YAML: %w", err)
	}
	return nil
}
