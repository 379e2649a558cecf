package testutil

import (
	"fmt"
	"strings"
)

// TestEntryPoint is a simplified entry point for testing.
type TestEntryPoint struct {
	Name    string
	Params  []string
	Results []string
}

// TestManifest is a simplified plugin manifest for testing.
type TestManifest struct {
	ID           string
	Version      string
	Description  string
	Checksum     string
	EntryPoints  []TestEntryPoint
	Capabilities []string
}

// ManifestBuilder builds test manifests.
type ManifestBuilder struct {
	manifest TestManifest
}

// NewManifestBuilder creates a builder for a plugin at version 1.0.0.
func NewManifestBuilder(id string) *ManifestBuilder {
	return &ManifestBuilder{
		manifest: TestManifest{
			ID:      id,
			Version: "1.0.0",
		},
	}
}

// WithVersion sets the manifest version.
func (b *ManifestBuilder) WithVersion(version string) *ManifestBuilder {
	b.manifest.Version = version
	return b
}

// WithDescription sets the description.
func (b *ManifestBuilder) WithDescription(description string) *ManifestBuilder {
	b.manifest.Description = description
	return b
}

// WithChecksum sets the module checksum.
func (b *ManifestBuilder) WithChecksum(checksum string) *ManifestBuilder {
	b.manifest.Checksum = checksum
	return b
}

// WithExport adds a bare entry point.
func (b *ManifestBuilder) WithExport(names ...string) *ManifestBuilder {
	for _, name := range names {
		b.manifest.EntryPoints = append(b.manifest.EntryPoints, TestEntryPoint{Name: name})
	}
	return b
}

// WithTypedExport adds an entry point with a signature.
func (b *ManifestBuilder) WithTypedExport(name string, params, results []string) *ManifestBuilder {
	b.manifest.EntryPoints = append(b.manifest.EntryPoints, TestEntryPoint{
		Name:    name,
		Params:  params,
		Results: results,
	})
	return b
}

// WithCapability adds requested capabilities.
func (b *ManifestBuilder) WithCapability(caps ...string) *ManifestBuilder {
	b.manifest.Capabilities = append(b.manifest.Capabilities, caps...)
	return b
}

// Build returns the constructed manifest.
func (b *ManifestBuilder) Build() TestManifest {
	return b.manifest
}

// YAML is shorthand for Build().ToYAML().
func (b *ManifestBuilder) YAML() string {
	return b.manifest.ToYAML()
}

// ToYAML converts the manifest to YAML string.
func (m TestManifest) ToYAML() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("plugin_id: %s\n", m.ID))
	sb.WriteString(fmt.Sprintf("version: %q\n", m.Version))
	if m.Description != "" {
		sb.WriteString(fmt.Sprintf("description: %q\n", m.Description))
	}
	if m.Checksum != "" {
		sb.WriteString(fmt.Sprintf("checksum: %s\n", m.Checksum))
	}

	if len(m.EntryPoints) > 0 {
		sb.WriteString("entry_points:\n")
		for _, ep := range m.EntryPoints {
			if len(ep.Params) == 0 && len(ep.Results) == 0 {
				sb.WriteString(fmt.Sprintf("  - %s\n", ep.Name))
				continue
			}
			sb.WriteString(fmt.Sprintf("  - name: %s\n", ep.Name))
			sb.WriteString(fmt.Sprintf("    params: [%s]\n", strings.Join(ep.Params, ", ")))
			sb.WriteString(fmt.Sprintf("    results: [%s]\n", strings.Join(ep.Results, ", ")))
		}
	}

	if len(m.Capabilities) > 0 {
		sb.WriteString("requested_capabilities:\n")
		for _, c := range m.Capabilities {
			sb.WriteString(fmt.Sprintf("  - %q\n", c))
		}
	}

	return sb.String()
}
