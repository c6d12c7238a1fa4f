// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembler

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/assemblotron/internal/util"
)

const validManifest = `
name: SoapDenovoTrans
shortname: sdt
constructor: soap_denovo_trans
requiredBinaries: [SOAPdenovo-Trans-127mer]
supportedPlatforms:
  - {wordsize: 64, os: linux}
parameterSchema:
  K: {type: int, default: 23, description: kmer, range: {from: 21, to: 29, step: 4}}
  e: {type: integer, default: 2, values: [2, "3"]}
  sim: {type: float, default: 1}
  mode: {type: str, default: fast}
`

// =============================================================================
// TypeMap Tests
// =============================================================================

func TestTypeFromName(t *testing.T) {
	tests := []struct {
		name string
		want ParamType
	}{
		{"str", TypeString},
		{"string", TypeString},
		{"int", TypeInt},
		{"integer", TypeInt},
		{"float", TypeFloat},
		{"bool", TypeUnknown},
		{"", TypeUnknown},
		{"Integer", TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeFromName(tt.name))
		})
	}
}

func TestParamType_ParseAndCoerce(t *testing.T) {
	v, err := TypeInt.Parse(" 31 ")
	require.NoError(t, err)
	assert.Equal(t, 31, v)

	_, err = TypeInt.Parse("3.5")
	assert.Error(t, err)

	v, err = TypeFloat.Coerce(2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	v, err = TypeInt.Coerce(4.0)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = TypeInt.Coerce(4.5)
	assert.Error(t, err)

	v, err = TypeString.Coerce(12)
	require.NoError(t, err)
	assert.Equal(t, "12", v)

	_, err = TypeUnknown.Parse("x")
	assert.Error(t, err)
}

// =============================================================================
// Manifest Tests
// =============================================================================

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest), "test.yml")
	require.NoError(t, err)

	assert.Equal(t, "SoapDenovoTrans", m.Name)
	assert.Equal(t, "sdt", m.ID())
	assert.True(t, m.Matches("sdt"))
	assert.True(t, m.Matches("SoapDenovoTrans"))
	assert.False(t, m.Matches("soapdenovotrans"))
	assert.Equal(t, "test.yml", m.Source)
	assert.Equal(t, []string{"K", "e", "mode", "sim"}, m.ParamNames())

	assert.Equal(t, 1.0, m.ParameterSchema["sim"].Default)
	assert.Equal(t, []any{2, 3}, m.ParameterSchema["e"].Values)

	values := m.SearchValues()
	assert.Equal(t, []any{21, 25, 29}, values["K"])
	assert.Equal(t, []any{2, 3}, values["e"])
	assert.Equal(t, []any{"fast"}, values["mode"])

	assert.Equal(t, Params{"K": 23, "e": 2, "sim": 1.0, "mode": "fast"}, m.Defaults())
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not yaml", "name: [unclosed"},
		{"unknown key", validManifest + "\nbindeps: {}\n"},
		{"missing name", `
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
`},
		{"no binaries", `
name: X
constructor: soap_denovo_trans
requiredBinaries: []
supportedPlatforms: [{wordsize: 64, os: linux}]
`},
		{"bad wordsize", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 16, os: linux}]
`},
		{"bad os", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: beos}]
`},
		{"unknown constructor", `
name: X
constructor: velvet
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
`},
		{"unknown param type", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
parameterSchema:
  K: {type: bool, default: true}
`},
		{"default wrong type", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
parameterSchema:
  K: {type: int, default: abc}
`},
		{"missing default", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
parameterSchema:
  K: {type: int}
`},
		{"string range", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
parameterSchema:
  K: {type: string, default: a, range: {from: 1, to: 2, step: 1}}
`},
		{"inverted range", `
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
parameterSchema:
  K: {type: int, default: 1, range: {from: 5, to: 2, step: 1}}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc), "bad.yml")
			require.Error(t, err)
			assert.True(t, errors.Is(err, util.KindValidation), "got %v", err)
		})
	}
}

func TestParseManifest_UnknownConstructorListsKnown(t *testing.T) {
	_, err := ParseManifest([]byte(`
name: X
constructor: velvet
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
`), "velvet.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown constructor "velvet" (known: idba_tran, soap_denovo_trans)`)
}

func TestParseManifest_ZeroDefaultAccepted(t *testing.T) {
	m, err := ParseManifest([]byte(`
name: X
constructor: soap_denovo_trans
requiredBinaries: [x]
supportedPlatforms: [{wordsize: 64, os: linux}]
parameterSchema:
  d: {type: int, default: 0}
`), "zero.yml")
	require.NoError(t, err)
	assert.Equal(t, 0, m.ParameterSchema["d"].Default)
}

func TestManifest_ParseParam(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest), "test.yml")
	require.NoError(t, err)

	v, err := m.ParseParam("K", "31")
	require.NoError(t, err)
	assert.Equal(t, 31, v)

	_, err = m.ParseParam("K", "big")
	assert.True(t, errors.Is(err, util.KindConfig))

	_, err = m.ParseParam("nope", "1")
	assert.True(t, errors.Is(err, util.KindConfig))
	assert.Contains(t, err.Error(), "nope")
}

func TestBuiltinDefinitionsParse(t *testing.T) {
	src := BuiltinSource()
	files, err := manifestFiles(src)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		data, err := fs.ReadFile(src.FS, f)
		require.NoError(t, err)
		_, err = ParseManifest(data, f)
		assert.NoError(t, err, f)
	}
}

func TestOSName(t *testing.T) {
	assert.Equal(t, "linux", OSName("linux"))
	assert.Equal(t, "macosx", OSName("darwin"))
	assert.Equal(t, "windows", OSName("windows"))
	assert.Equal(t, "unix", OSName("freebsd"))
	assert.Equal(t, "unix", OSName("solaris"))
}
