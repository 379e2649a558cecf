// Package plugin loads sandboxed plugins, tracks their lifecycle and routes
// invocations to the provider that runs them.
package plugin

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// MaxManifestSize is the largest manifest document accepted.
const MaxManifestSize = 64 * 1024

var pluginIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID reports whether id is a well-formed plugin id.
func IsValidID(id string) bool {
	return id != "" && pluginIDPattern.MatchString(id)
}

// EntryPoint is an export the plugin declares.
type EntryPoint struct {
	Name    string               `yaml:"name"`
	Params  []provider.ValueType `yaml:"params,omitempty"`
	Results []provider.ValueType `yaml:"results,omitempty"`
}

// Signature returns the declared signature.
func (e EntryPoint) Signature() provider.Signature {
	return provider.Signature{Params: e.Params, Results: e.Results}
}

// UnmarshalYAML accepts either a bare export name or a mapping.
func (e *EntryPoint) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Name = node.Value
		return nil
	}
	type plain EntryPoint
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = EntryPoint(p)
	return nil
}

// Manifest is a plugin's declared identity, exports and requested
// capabilities. It is immutable once loaded.
type Manifest struct {
	ID                    string                  `yaml:"plugin_id"`
	Version               string                  `yaml:"version"`
	Description           string                  `yaml:"description,omitempty"`
	Module                string                  `yaml:"module,omitempty"`
	Checksum              string                  `yaml:"checksum,omitempty"`
	EntryPoints           []EntryPoint            `yaml:"entry_points"`
	RequestedCapabilities []capability.Capability `yaml:"requested_capabilities,omitempty"`
}

// manifestDoc is the on-disk form; capabilities stay strings so every
// malformed one is reported instead of only the first.
type manifestDoc struct {
	ID                    string       `yaml:"plugin_id"`
	Version               string       `yaml:"version"`
	Description           string       `yaml:"description"`
	Module                string       `yaml:"module"`
	Checksum              string       `yaml:"checksum"`
	EntryPoints           []EntryPoint `yaml:"entry_points"`
	RequestedCapabilities []string     `yaml:"requested_capabilities"`
}

// DefaultModuleFile is the module file name used when a manifest names none.
const DefaultModuleFile = "main.wasm"

// ParseManifest decodes and validates a YAML manifest. Validation problems
// are returned together as a *ValidationError.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) > MaxManifestSize {
		return nil, &ValidationError{Errors: []string{
			fmt.Sprintf("manifest size %d bytes exceeds limit of %d bytes", len(data), MaxManifestSize),
		}}
	}

	var doc manifestDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("parsing manifest: %v", err)}}
	}

	m := &Manifest{
		ID:          doc.ID,
		Version:     doc.Version,
		Description: doc.Description,
		Module:      doc.Module,
		Checksum:    doc.Checksum,
		EntryPoints: doc.EntryPoints,
	}

	ve := &ValidationError{}
	for _, raw := range doc.RequestedCapabilities {
		c, err := capability.Parse(raw)
		if err != nil {
			ve.Addf("requested capability %q: %v", raw, err)
			continue
		}
		m.RequestedCapabilities = append(m.RequestedCapabilities, c)
	}

	if err := m.Validate(); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			ve.Errors = append(ve.Errors, verr.Errors...)
		} else {
			ve.Add(err.Error())
		}
	}
	if ve.HasErrors() {
		return nil, ve
	}
	return m, nil
}

// Validate checks the manifest, reporting every problem found.
func (m *Manifest) Validate() error {
	ve := &ValidationError{}

	if m.ID == "" {
		ve.Add("plugin_id is required. Example: plugin_id: echo")
	} else if !pluginIDPattern.MatchString(m.ID) {
		ve.Addf("plugin_id %q must contain only letters, digits, '-' and '_'", m.ID)
	}

	if m.Version == "" {
		ve.Add("version is required. Example: version: 1.0.0 (use semantic versioning)")
	} else if err := ValidateSemver(m.Version); err != nil {
		ve.Addf("version %q is not valid semantic versioning. Examples: 1.0.0, 1.2.3-beta.1", m.Version)
	}

	if len(m.EntryPoints) == 0 {
		ve.Add("entry_points must list at least one export")
	}
	seen := make(map[string]bool, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		if ep.Name == "" {
			ve.Addf("entry_points[%d]: name is required", i)
			continue
		}
		if seen[ep.Name] {
			ve.Addf("entry_points: duplicate export %q", ep.Name)
		}
		seen[ep.Name] = true
		for _, t := range append(append([]provider.ValueType(nil), ep.Params...), ep.Results...) {
			if parsed, err := provider.ParseValueType(string(t)); err != nil || parsed != t {
				ve.Addf("entry_points[%s]: unknown value type %q (use i32, i64, f32 or f64)", ep.Name, t)
			}
		}
	}

	for i, c := range m.RequestedCapabilities {
		if c.IsZero() {
			ve.Addf("requested_capabilities[%d]: empty capability", i)
		}
	}

	if m.Checksum != "" {
		if err := validateChecksumFormat(m.Checksum); err != nil {
			ve.Addf("checksum: %v", err)
		}
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ModuleFile returns the module file name inside a bundle directory.
func (m *Manifest) ModuleFile() string {
	if m.Module == "" {
		return DefaultModuleFile
	}
	return m.Module
}

// EntryPoint returns the declared entry point with the given name.
func (m *Manifest) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// ExportNames returns the declared export names in manifest order.
func (m *Manifest) ExportNames() []string {
	names := make([]string, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		names[i] = ep.Name
	}
	return names
}

// Clone creates a deep copy of the Manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.EntryPoints = make([]EntryPoint, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		clone.EntryPoints[i] = EntryPoint{
			Name:    ep.Name,
			Params:  append([]provider.ValueType(nil), ep.Params...),
			Results: append([]provider.ValueType(nil), ep.Results...),
		}
	}
	clone.RequestedCapabilities = append([]capability.Capability(nil), m.RequestedCapabilities...)
	return &clone
}

// Bundle is a manifest together with its module binary.
type Bundle struct {
	Manifest *Manifest
	Module   []byte
	// Source describes where the bundle came from, e.g. a directory.
	Source string
}

// Checksum returns the hex sha256 of the module.
func (b Bundle) Checksum() string {
	sum := sha256.Sum256(b.Module)
	return hex.EncodeToString(sum[:])
}

// canonicalSemver adds the "v" prefix x/mod/semver expects.
func canonicalSemver(version string) string {
	if strings.HasPrefix(version, "v") || strings.HasPrefix(version, "V") {
		return "v" + version[1:]
	}
	return "v" + version
}

// ValidateSemver checks if a version string is valid semantic versioning.
// A leading "v" is optional; all three components are required.
func ValidateSemver(version string) error {
	if version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	v := canonicalSemver(version)
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid semantic version: %s", version)
	}
	core := v
	if i := strings.IndexByte(core, '+'); i >= 0 {
		core = core[:i]
	}
	if semver.Canonical(v) != core {
		return fmt.Errorf("invalid semantic version: %s (major.minor.patch required)", version)
	}
	return nil
}

// CompareVersions compares two semantic versions like strings.Compare.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalSemver(a), canonicalSemver(b))
}

func validateChecksumFormat(checksum string) error {
	if len(checksum) != 64 {
		return fmt.Errorf("invalid checksum length: expected 64 characters (SHA256), got %d", len(checksum))
	}
	if _, err := hex.DecodeString(checksum); err != nil {
		return fmt.Errorf("invalid checksum: must be hex encoded")
	}
	return nil
}

// VerifyChecksum verifies a module's SHA256 checksum.
// Expected checksum must be a valid hex-encoded SHA256 hash (64 characters).
func VerifyChecksum(data []byte, expectedChecksum string) error {
	if expectedChecksum == "" {
		return fmt.Errorf("checksum cannot be empty")
	}
	if err := validateChecksumFormat(expectedChecksum); err != nil {
		return err
	}

	hash := sha256.Sum256(data)
	actualChecksum := hex.EncodeToString(hash[:])
	expectedLower := strings.ToLower(expectedChecksum)

	if subtle.ConstantTimeCompare([]byte(actualChecksum), []byte(expectedLower)) != 1 {
		return &ChecksumError{
			Expected: expectedChecksum,
			Actual:   actualChecksum,
		}
	}
	return nil
}
