package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tuplespace/internal/tuple"
)

const testSchemas = `
types: Counted: {extends: "TestEntry", fields: [{name: "tag", kind: "string"}]}
types: TestEntry: fields: [{name: "name", kind: "string"}, {name: "count", kind: "int"}]
types: Blob: fields: [{name: "data", kind: "bytes"}, {name: "ok", kind: "bool"}]
`

func TestCompileString_OrdersSupertypesFirst(t *testing.T) {
	schemas, err := CompileString(testSchemas)
	require.NoError(t, err)
	require.Len(t, schemas, 3)

	pos := map[string]int{}
	for i, s := range schemas {
		pos[s.Name] = i
	}
	assert.Less(t, pos["TestEntry"], pos["Counted"])

	reg := tuple.NewRegistry()
	require.NoError(t, Register(reg, schemas))

	counted, ok := reg.Lookup("Counted")
	require.True(t, ok)
	assert.Len(t, counted.Fields, 3)

	blob, ok := reg.Lookup("Blob")
	require.True(t, ok)
	assert.Equal(t, tuple.KindBytes, blob.Fields[0].Kind)
}

func TestCompileString_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing types", `other: 1`},
		{"missing fields", `types: X: {}`},
		{"bad kind", `types: X: fields: [{name: "a", kind: "float"}]`},
		{"missing kind", `types: X: fields: [{name: "a"}]`},
		{"cycle", `types: A: {extends: "B", fields: []}
types: B: {extends: "A", fields: []}`},
		{"syntax", `types: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileString(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestCompileString_ErrorHasPosition(t *testing.T) {
	_, err := CompileString(`types: X: fields: [{name: "a", kind: "float"}]`)
	var schemaErr *Error
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "types.X.fields[0].kind", schemaErr.Field)
	assert.True(t, schemaErr.Pos.IsValid())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "types.cue"), []byte(testSchemas), 0o644))

	schemas, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, schemas, 3)
}

func TestLoadDir_SplitAcrossFilesWithPackage(t *testing.T) {
	dir := t.TempDir()
	base := "package schemas\n\ntypes: Base: fields: [{name: \"id\", kind: \"int\"}]\n"
	sub := "package schemas\n\ntypes: Sub: {extends: \"Base\", fields: [{name: \"tag\", kind: \"string\"}]}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.cue"), []byte(base), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub.cue"), []byte(sub), 0o644))

	schemas, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "Base", schemas[0].Name)
	assert.Equal(t, "Sub", schemas[1].Name)
}

func TestLoadDir_Empty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.Error(t, err)
}
