// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"reflect"
)

// JSONOutput adds --json to a params struct when embedded.
//
//	type listParams struct {
//	    cli.JSONOutput
//	    Verify bool `flag:"verify" desc:"read each archive's manifest"`
//	}
//
//	if done, err := params.EmitJSON(stdout, snapshots); done {
//	    return err
//	}
type JSONOutput struct {
	OutputJSON bool `flag:"json" desc:"output as JSON"`
}

// EmitJSON writes result to w when --json is set and reports whether
// it did. A nil slice is written as [].
func (j *JSONOutput) EmitJSON(w io.Writer, result any) (bool, error) {
	if !j.OutputJSON {
		return false, nil
	}
	return true, WriteJSON(w, result)
}

// WriteJSON writes value as indented JSON.
func WriteJSON(w io.Writer, value any) error {
	if reflected := reflect.ValueOf(value); reflected.Kind() == reflect.Slice && reflected.IsNil() {
		value = reflect.MakeSlice(reflected.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
