package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates the configuration at path. Environment
// variable references ($VAR or ${VAR}) are expanded before parsing. An
// unresolved path is reported as such so callers can distinguish it from a
// malformed file.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("config: path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: path %q does not resolve to a file: %w", path, err)
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	f, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a single YAML document. Unknown keys are
// rejected so typos fail fast instead of silently configuring nothing.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty configuration")
		}
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("expected a single YAML document")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
