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
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParamType is the value type of a schema parameter.
type ParamType int

const (
	// TypeUnknown is any type name not listed below.
	TypeUnknown ParamType = iota
	// TypeString is declared as "str" or "string".
	TypeString
	// TypeInt is declared as "int" or "integer".
	TypeInt
	// TypeFloat is declared as "float".
	TypeFloat
)

// TypeFromName maps a manifest type name to its ParamType.
func TypeFromName(name string) ParamType {
	switch name {
	case "str", "string":
		return TypeString
	case "int", "integer":
		return TypeInt
	case "float":
		return TypeFloat
	default:
		return TypeUnknown
	}
}

func (t ParamType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Parse converts a command-line string to a value of type t.
func (t ParamType) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t {
	case TypeString:
		return s, nil
	case TypeInt:
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown parameter type")
	}
}

// Coerce converts a decoded YAML or JSON value to type t.
//
// Integers are accepted for float parameters and integral floats for int
// parameters. Strings are parsed with Parse.
func (t ParamType) Coerce(v any) (any, error) {
	if s, ok := v.(string); ok {
		return t.Parse(s)
	}
	switch t {
	case TypeString:
		return fmt.Sprint(v), nil
	case TypeInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case uint64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			return int(n), nil
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
	default:
		return nil, fmt.Errorf("unknown parameter type")
	}
	return nil, fmt.Errorf("%v (%T) is not a %s", v, v, t)
}
