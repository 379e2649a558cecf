package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()

	data := []byte(`
plugin_id: echo
version: 1.2.3
description: Echo plugin
entry_points:
  - add
  - name: sum
    params: [i32, i64]
    results: [i64]
requested_capabilities:
  - filesystem-read:/tmp
  - host-api-call:kv.*
`)

	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.ID)
	assert.Equal(t, "1.2.3", m.Version)
	assert.Equal(t, []string{"add", "sum"}, m.ExportNames())
	assert.Equal(t, DefaultModuleFile, m.ModuleFile())

	sum, ok := m.EntryPoint("sum")
	require.True(t, ok)
	assert.Equal(t, "(i32,i64)->(i64)", sum.Signature().String())

	assert.Equal(t, []string{"filesystem-read:/tmp", "host-api-call:kv.*"}, capability.Strings(m.RequestedCapabilities))
}

func TestParseManifest_CollectsEveryProblem(t *testing.T) {
	t.Parallel()

	data := []byte(`
plugin_id: "bad id"
version: one
entry_points:
  - name: add
    params: [i128]
  - add
requested_capabilities:
  - filesystem-read:relative
  - teleport
`)

	_, err := ParseManifest(data)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	msg := err.Error()
	for _, want := range []string{"plugin_id", "version", "i128", "duplicate export", "relative", "teleport"} {
		assert.Contains(t, msg, want)
	}
	assert.GreaterOrEqual(t, len(ve.Errors), 6)
}

func TestParseManifest_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want string
	}{
		{"not yaml", "plugin_id: [", "parsing manifest"},
		{"unknown field", "plugin_id: a\nversion: 1.0.0\nentry_points: [a]\nname: x\n", "parsing manifest"},
		{"missing id", "version: 1.0.0\nentry_points: [a]\n", "plugin_id is required"},
		{"missing version", "plugin_id: a\nentry_points: [a]\n", "version is required"},
		{"no entry points", "plugin_id: a\nversion: 1.0.0\n", "at least one export"},
		{"bad checksum", "plugin_id: a\nversion: 1.0.0\nentry_points: [a]\nchecksum: xyz\n", "checksum"},
		{"too large", "plugin_id: a\n" + strings.Repeat("#", MaxManifestSize), "exceeds limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseManifest([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestManifest_ValidateTypedFields(t *testing.T) {
	t.Parallel()

	m := &Manifest{
		ID:          "calc",
		Version:     "v2.0.0",
		EntryPoints: []EntryPoint{{Name: "add", Params: []provider.ValueType{"I32"}}},
		RequestedCapabilities: []capability.Capability{
			{},
		},
	}

	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown value type "I32"`)
	assert.Contains(t, err.Error(), "empty capability")
}

func TestManifest_Clone(t *testing.T) {
	t.Parallel()

	m := &Manifest{
		ID:                    "calc",
		Version:               "1.0.0",
		EntryPoints:           []EntryPoint{{Name: "add", Params: []provider.ValueType{provider.TypeI32}}},
		RequestedCapabilities: []capability.Capability{capability.MustParse("filesystem-read:/tmp")},
	}
	clone := m.Clone()
	clone.EntryPoints[0].Params[0] = provider.TypeF64
	clone.RequestedCapabilities[0] = capability.MustParse("filesystem-read:/")

	assert.Equal(t, provider.TypeI32, m.EntryPoints[0].Params[0])
	assert.Equal(t, "filesystem-read:/tmp", m.RequestedCapabilities[0].String())
	assert.Nil(t, (*Manifest)(nil).Clone())
}

func TestValidateSemver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version string
		valid   bool
	}{
		{"1.0.0", true},
		{"v1.0.0", true},
		{"1.2.3-beta.1", true},
		{"2.0.0+build.123", true},
		{"1.0", false},
		{"1", false},
		{"", false},
		{"one", false},
		{"01.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			t.Parallel()
			err := ValidateSemver(tt.version)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1, CompareVersions("1.0.0", "1.1.0"))
	assert.Equal(t, 0, CompareVersions("v1.0.0", "1.0.0"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "2.0.0-rc.1"))
}

func TestVerifyChecksum(t *testing.T) {
	t.Parallel()

	data := []byte("module bytes")
	sum := sha256.Sum256(data)
	good := hex.EncodeToString(sum[:])

	assert.NoError(t, VerifyChecksum(data, good))
	assert.NoError(t, VerifyChecksum(data, strings.ToUpper(good)))
	assert.Equal(t, good, Bundle{Module: data}.Checksum())

	err := VerifyChecksum([]byte("tampered"), good)
	assert.True(t, IsChecksumError(err))

	assert.Error(t, VerifyChecksum(data, ""))
	assert.Error(t, VerifyChecksum(data, "abc"))
	assert.Error(t, VerifyChecksum(data, strings.Repeat("z", 64)))
}

func TestIsValidID(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidID("echo"))
	assert.True(t, IsValidID("calc_v2-beta"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("../etc"))
	assert.False(t, IsValidID("a b"))
}
