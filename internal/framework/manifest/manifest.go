// Package manifest reads module artifacts: zip archives carrying a module.yaml
// descriptor at their root.
package manifest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the descriptor entry inside an artifact.
const FileName = "module.yaml"

// Manifest is the declared identity and wiring of a module.
type Manifest struct {
	SymbolicName string            `yaml:"symbolicName"`
	Version      string            `yaml:"version,omitempty"`
	Activator    string            `yaml:"activator,omitempty"`
	Requires     []string          `yaml:"requires,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// Parse extracts and validates the manifest of an artifact.
func Parse(data []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not a module archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != FileName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", FileName, err)
		}
		raw, err := io.ReadAll(io.LimitReader(rc, 1<<20))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
		}
		return Decode(raw)
	}
	return nil, fmt.Errorf("archive has no %s", FileName)
}

// Decode parses and validates a module.yaml document.
func Decode(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	m.SymbolicName = strings.TrimSpace(m.SymbolicName)
	if m.SymbolicName == "" {
		return nil, fmt.Errorf("%s: symbolicName is required", FileName)
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	return &m, nil
}

// Build creates an artifact holding m plus any extra entries. Entries are
// written in name order so identical input yields identical bytes.
func Build(m Manifest, extra map[string][]byte) ([]byte, error) {
	raw, err := yaml.Marshal(&m)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := writeEntry(zw, FileName, raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeEntry(zw, name, extra[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// MustBuild is Build for fixed inputs known to be valid.
func MustBuild(symbolicName, version string, requires ...string) []byte {
	data, err := Build(Manifest{SymbolicName: symbolicName, Version: version, Requires: requires}, nil)
	if err != nil {
		panic(err)
	}
	return data
}
