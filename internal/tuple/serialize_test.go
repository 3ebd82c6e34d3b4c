package tuple

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_PreservesNullsAndKinds(t *testing.T) {
	e := Entry{Type: "Mixed", Fields: []Value{String("s"), Int(-3), Bool(false), Bytes{}, nil}}

	back, err := e.Serialize().Entry()
	require.NoError(t, err)
	assert.Equal(t, e, back)

	tmpl, err := Template{Type: "Mixed", Fields: []Value{nil, Int(1)}}.Serialize().Template()
	require.NoError(t, err)
	assert.Nil(t, tmpl.Fields[0])
	assert.Equal(t, Int(1), tmpl.Fields[1])
}

func TestFieldData_UnknownKind(t *testing.T) {
	_, err := EntryData{Type: "X", Fields: []FieldData{{Kind: 99}}}.Entry()
	assert.Error(t, err)
}

func TestEntryJSON(t *testing.T) {
	e := Entry{Type: "TestEntry", Fields: []Value{String("a"), Int(7), nil, Bytes{1}}}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TestEntry","fields":["a",7,null,{"$bytes":"AQ=="}]}`, string(data))

	var back Entry
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e, back)
}

func TestTemplateJSON_RejectsFloat(t *testing.T) {
	var tmpl Template
	err := json.Unmarshal([]byte(`{"type":"TestEntry","fields":[1.5]}`), &tmpl)
	assert.Error(t, err)
}

func TestValueFromAny(t *testing.T) {
	v, err := ValueFromAny(map[string]any{"$bytes": "AQI="})
	require.NoError(t, err)
	assert.Equal(t, Bytes{1, 2}, v)

	_, err = ValueFromAny(map[string]any{"other": "x"})
	assert.Error(t, err)

	v, err = ValueFromAny(42)
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)
}
