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
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/assemblotron/internal/util"
)

// =============================================================================
// Manifest Types
// =============================================================================

// Range is an inclusive numeric search range.
type Range struct {
	From float64 `yaml:"from"`
	To   float64 `yaml:"to" validate:"gtefield=From"`
	Step float64 `yaml:"step" validate:"gt=0"`
}

// ParamSpec declares one tunable parameter.
type ParamSpec struct {
	// Type is "str", "string", "int", "integer" or "float".
	Type string `yaml:"type" validate:"required,oneof=str string int integer float"`

	// Default is used when neither the search nor the user sets a value.
	Default any `yaml:"default"`

	// Description is shown by `atron list --params`.
	Description string `yaml:"description"`

	// Values lists the candidates explored by the optimizer.
	Values []any `yaml:"values,omitempty"`

	// Range is an alternative to Values for numeric parameters.
	Range *Range `yaml:"range,omitempty" validate:"omitempty"`
}

// Kind returns the parsed Type.
func (p ParamSpec) Kind() ParamType { return TypeFromName(p.Type) }

// Manifest declares an assembler backend.
//
// # Description
//
// Manifests are YAML documents discovered by the Registry. They are
// immutable once loaded. Constructor selects the Go implementation.
//
// # Example
//
//	name: SoapDenovoTrans
//	shortname: sdt
//	constructor: soap_denovo_trans
//	requiredBinaries: [SOAPdenovo-Trans-127mer]
//	supportedPlatforms:
//	  - {wordsize: 64, os: linux}
//	parameterSchema:
//	  K: {type: int, default: 23, description: k-mer size, range: {from: 21, to: 31, step: 2}}
type Manifest struct {
	Name               string               `yaml:"name" validate:"required"`
	Shortname          string               `yaml:"shortname,omitempty"`
	Constructor        string               `yaml:"constructor" validate:"required"`
	RequiredBinaries   []string             `yaml:"requiredBinaries" validate:"required,min=1,dive,required"`
	SupportedPlatforms []Platform           `yaml:"supportedPlatforms" validate:"required,min=1,dive"`
	ParameterSchema    map[string]ParamSpec `yaml:"parameterSchema" validate:"dive"`

	// Source is the file the manifest was read from.
	Source string `yaml:"-"`
}

// ID returns the shortname when set, otherwise the name.
func (m Manifest) ID() string {
	if m.Shortname != "" {
		return m.Shortname
	}
	return m.Name
}

// Matches reports whether id is the manifest's name or shortname.
func (m Manifest) Matches(id string) bool {
	return id != "" && (id == m.Name || id == m.Shortname)
}

// ParamNames returns the schema parameter names in sorted order.
func (m Manifest) ParamNames() []string {
	names := make([]string, 0, len(m.ParameterSchema))
	for name := range m.ParameterSchema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns the schema defaults.
func (m Manifest) Defaults() Params {
	p := make(Params, len(m.ParameterSchema))
	for name, spec := range m.ParameterSchema {
		p[name] = spec.Default
	}
	return p
}

// SearchValues returns the candidate values for every schema parameter.
// A parameter without Values or Range has its default as only candidate.
func (m Manifest) SearchValues() map[string][]any {
	out := make(map[string][]any, len(m.ParameterSchema))
	for name, spec := range m.ParameterSchema {
		switch {
		case len(spec.Values) > 0:
			out[name] = append([]any(nil), spec.Values...)
		case spec.Range != nil:
			out[name] = expandRange(*spec.Range, spec.Kind())
		default:
			out[name] = []any{spec.Default}
		}
	}
	return out
}

// ParseParam converts a command-line value for parameter name.
func (m Manifest) ParseParam(name, value string) (any, error) {
	spec, ok := m.ParameterSchema[name]
	if !ok {
		return nil, util.Errorf(util.KindConfig, "manifest.param",
			"%s has no parameter %q (known: %s)", m.Name, name, strings.Join(m.ParamNames(), ", "))
	}
	v, err := spec.Kind().Parse(value)
	if err != nil {
		return nil, util.Wrapf(util.KindConfig, "manifest.param", err, "parameter %s", name)
	}
	return v, nil
}

func expandRange(r Range, t ParamType) []any {
	var out []any
	// Tolerate accumulated float error on the upper bound.
	limit := r.To + r.Step*1e-9
	for i := 0; ; i++ {
		v := r.From + float64(i)*r.Step
		if v > limit {
			break
		}
		if t == TypeInt {
			out = append(out, int(math.Round(v)))
		} else {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// Parsing
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates one manifest document.
//
// # Description
//
// Decoding is strict: unknown keys are rejected. Struct validation is
// followed by semantic checks: the constructor must be registered,
// defaults and candidate values must convert to the declared type, and
// ranges are only allowed on numeric parameters. Defaults and candidates
// are normalized to their Go types (string, int, float64).
//
// # Outputs
//
//   - Manifest: the validated manifest
//   - error: ValidationError describing the first problem found
func ParseManifest(data []byte, source string) (Manifest, error) {
	const op = "manifest.parse"
	var m Manifest

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, util.Errorf(util.KindValidation, op, "%s: empty manifest", source)
		}
		return Manifest{}, util.Wrapf(util.KindValidation, op, err, "%s", source)
	}
	m.Source = source

	if err := validate.Struct(m); err != nil {
		return Manifest{}, util.Wrapf(util.KindValidation, op, describeValidation(err), "%s", source)
	}
	if _, ok := constructors[m.Constructor]; !ok {
		return Manifest{}, util.Errorf(util.KindValidation, op, "%s: unknown constructor %q (known: %s)",
			source, m.Constructor, strings.Join(Constructors(), ", "))
	}

	for name, spec := range m.ParameterSchema {
		t := spec.Kind()
		if spec.Default == nil {
			return Manifest{}, util.Errorf(util.KindValidation, op, "%s: parameter %s has no default", source, name)
		}
		def, err := t.Coerce(spec.Default)
		if err != nil {
			return Manifest{}, util.Wrapf(util.KindValidation, op, err, "%s: parameter %s default", source, name)
		}
		spec.Default = def

		for i, v := range spec.Values {
			cv, err := t.Coerce(v)
			if err != nil {
				return Manifest{}, util.Wrapf(util.KindValidation, op, err, "%s: parameter %s value %d", source, name, i)
			}
			spec.Values[i] = cv
		}
		if spec.Range != nil {
			if t == TypeString {
				return Manifest{}, util.Errorf(util.KindValidation, op, "%s: parameter %s: range requires a numeric type", source, name)
			}
			if spec.Range.Step <= 0 || spec.Range.To < spec.Range.From {
				return Manifest{}, util.Errorf(util.KindValidation, op, "%s: parameter %s: invalid range", source, name)
			}
		}
		m.ParameterSchema[name] = spec
	}
	return m, nil
}

// describeValidation flattens validator errors into one message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
