// Package schema loads entry-type declarations written in CUE and
// registers them with a tuple.Registry.
//
// File shape:
//
//	types: TestEntry: fields: [{name: "name", kind: "string"}, {name: "count", kind: "int"}]
//	types: Counted: {extends: "TestEntry", fields: [{name: "tag", kind: "string"}]}
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tuplespace/internal/tuple"
)

// Error is a schema problem with its CUE source position when known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadDir builds the *.cue files in dir as one instance and compiles its
// type declarations.
func LoadDir(dir string) ([]tuple.Schema, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	// Files are named explicitly so schema files need no package clause.
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	ctx := cuecontext.New()
	instances := load.Instances(names, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(err))
	}
	value := ctx.BuildInstance(instances[0])
	return Compile(value)
}

// CompileString compiles declarations from CUE source. Tests and the
// harness embed schemas this way.
func CompileString(src string) ([]tuple.Schema, error) {
	ctx := cuecontext.New()
	return Compile(ctx.CompileString(src, cue.Filename("schema.cue")))
}

// Compile extracts the declarations under the top-level "types" field.
// The result is ordered so that every supertype precedes its subtypes.
func Compile(v cue.Value) ([]tuple.Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	typesVal := v.LookupPath(cue.ParsePath("types"))
	if !typesVal.Exists() {
		return nil, &Error{Field: "types", Message: "types is required", Pos: v.Pos()}
	}

	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var schemas []tuple.Schema
	for iter.Next() {
		s, err := compileType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return orderBySupertype(schemas)
}

func compileType(name string, v cue.Value) (tuple.Schema, error) {
	s := tuple.Schema{Name: name}

	if ext := v.LookupPath(cue.ParsePath("extends")); ext.Exists() {
		parent, err := ext.String()
		if err != nil {
			return s, formatCUEError(err)
		}
		s.Extends = parent
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		// A subtype may add no fields of its own.
		if s.Extends != "" {
			return s, nil
		}
		return s, &Error{Field: "types." + name + ".fields", Message: "fields is required", Pos: v.Pos()}
	}
	list, err := fieldsVal.List()
	if err != nil {
		return s, formatCUEError(err)
	}
	for i := 0; list.Next(); i++ {
		fv := list.Value()
		path := fmt.Sprintf("types.%s.fields[%d]", name, i)

		nameVal := fv.LookupPath(cue.ParsePath("name"))
		if !nameVal.Exists() {
			return s, &Error{Field: path + ".name", Message: "name is required", Pos: fv.Pos()}
		}
		fieldName, err := nameVal.String()
		if err != nil {
			return s, formatCUEError(err)
		}

		kindVal := fv.LookupPath(cue.ParsePath("kind"))
		if !kindVal.Exists() {
			return s, &Error{Field: path + ".kind", Message: "kind is required", Pos: fv.Pos()}
		}
		kindName, err := kindVal.String()
		if err != nil {
			return s, formatCUEError(err)
		}
		kind, err := tuple.ParseKind(kindName)
		if err != nil {
			return s, &Error{Field: path + ".kind", Message: err.Error(), Pos: kindVal.Pos()}
		}
		s.Fields = append(s.Fields, tuple.FieldDesc{Name: fieldName, Kind: kind})
	}
	return s, nil
}

// orderBySupertype sorts schemas so each supertype comes first. Unknown
// supertypes are left for the registry to reject; cycles are rejected here.
func orderBySupertype(schemas []tuple.Schema) ([]tuple.Schema, error) {
	byName := make(map[string]tuple.Schema, len(schemas))
	for _, s := range schemas {
		byName[s.Name] = s
	}
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(schemas))
	out := make([]tuple.Schema, 0, len(schemas))

	var visit func(name string) error
	visit = func(name string) error {
		s, ok := byName[name]
		if !ok {
			return nil
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &Error{Field: "types." + name + ".extends", Message: "inheritance cycle"}
		}
		state[name] = visiting
		if s.Extends != "" {
			if err := visit(s.Extends); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, s)
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Register adds every schema to reg.
func Register(reg *tuple.Registry, schemas []tuple.Schema) error {
	for _, s := range schemas {
		if _, err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &Error{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
