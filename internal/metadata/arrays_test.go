package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStringArray(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []string
	}{
		{"postgres literal", "{admin,editor}", []string{"admin", "editor"}},
		{"postgres quoted", `{"admin","content editor"}`, []string{"admin", "content editor"}},
		{"json array", `["admin","editor"]`, []string{"admin", "editor"}},
		{"byte slice", []byte(`["admin"]`), []string{"admin"}},
		{"any slice", []any{"admin", "editor"}, []string{"admin", "editor"}},
		{"string slice", []string{"admin"}, []string{"admin"}},
		{"empty braces", "{}", nil},
		{"empty json", "[]", nil},
		{"empty string", "", nil},
		{"null", "null", nil},
		{"nil", nil, nil},
		{"bare value", "admin", []string{"admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseStringArray(tc.in))
		})
	}
}

func TestFieldAuto(t *testing.T) {
	assert.True(t, Field{Name: "created_at", Auto: "now"}.IsAuto())
	assert.True(t, Field{Name: "token", Auto: "uuid"}.IsAuto())
	assert.False(t, Field{Name: "title"}.IsAuto())
	assert.False(t, Field{Name: "title", Auto: "bogus"}.IsAuto())
}

func TestEntityWritableFields(t *testing.T) {
	e := &Entity{
		Name:       "invoice",
		Table:      "invoices",
		PrimaryKey: PrimaryKey{Field: "id", Type: "uuid", Generated: true},
		Fields: []Field{
			{Name: "id", Type: "uuid"},
			{Name: "number", Type: "string", Required: true},
			{Name: "created_at", Type: "timestamp", Auto: "now"},
		},
	}

	writable := e.WritableFields()
	assert.Len(t, writable, 1)
	assert.Equal(t, "number", writable[0].Name)
}

func TestValidIdent(t *testing.T) {
	assert.True(t, ValidIdent("invoice"))
	assert.True(t, ValidIdent("line_item2"))
	assert.False(t, ValidIdent("Invoice"))
	assert.False(t, ValidIdent("2fast"))
	assert.False(t, ValidIdent("drop table"))
	assert.False(t, ValidIdent(""))
}
