package publish

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/auth"
)

// MaxPubspecBytes bounds the manifest read from an archive
const MaxPubspecBytes = 1 << 20

// Pubspec is the package manifest. Fields the registry does not interpret
// are kept in Extra and returned to clients unchanged.
type Pubspec struct {
	Name         string                 `yaml:"name" json:"name"`
	Version      string                 `yaml:"version" json:"version"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Dependencies map[string]interface{} `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Environment  map[string]interface{} `yaml:"environment,omitempty" json:"environment,omitempty"`
	Extra        map[string]interface{} `yaml:",inline" json:"-"`
}

// ParsePubspec decodes a manifest. The stored JSON form is also accepted.
func ParsePubspec(data []byte) (*Pubspec, error) {
	var p Pubspec
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidArchive, "pubspec.yaml is not valid YAML: %v", err)
	}
	return &p, nil
}

// Validate checks the fields the registry relies on
func (p *Pubspec) Validate() error {
	if p.Name == "" {
		return apperr.Invalid(apperr.CodeInvalidArchive, "pubspec.yaml is missing a name")
	}
	if !auth.ValidPackageName(p.Name) {
		return apperr.Invalid(apperr.CodeInvalidArchive, "%q is not a valid package name", p.Name)
	}
	if p.Version == "" {
		return apperr.Invalid(apperr.CodeInvalidArchive, "pubspec.yaml is missing a version")
	}
	if _, err := semver.StrictNewVersion(p.Version); err != nil {
		return apperr.Invalid(apperr.CodeInvalidArchive, "%q is not a valid semantic version", p.Version)
	}
	return nil
}

// Map flattens the manifest back into a single document
func (p *Pubspec) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p.Extra)+5)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["name"] = p.Name
	m["version"] = p.Version
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Dependencies) > 0 {
		m["dependencies"] = p.Dependencies
	}
	if len(p.Environment) > 0 {
		m["environment"] = p.Environment
	}
	return m
}

// JSON renders the manifest for the catalog
func (p *Pubspec) JSON() (string, error) {
	data, err := json.Marshal(p.Map())
	if err != nil {
		return "", fmt.Errorf("failed to encode pubspec: %w", err)
	}
	return string(data), nil
}
