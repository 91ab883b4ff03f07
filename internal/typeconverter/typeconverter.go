package typeconverter

import (
	"fmt"
	"reflect"

	"github.com/tkrajina/typescriptify-golang-structs/typescriptify"
)

// Generate renders TypeScript interfaces for the struct types of values.
// Pointers are followed; values that are not structs are rejected.
func Generate(values ...any) (string, error) {
	converter := typescriptify.New()
	converter.CreateInterface = true
	converter.BackupDir = ""
	for _, v := range values {
		t := reflect.TypeOf(v)
		for t != nil && t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t == nil || t.Kind() != reflect.Struct {
			return "", fmt.Errorf("cannot generate declarations for %T, only structs are supported", v)
		}
		converter.AddType(t)
	}
	out, err := converter.Convert(nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate declarations: %w", err)
	}
	return out, nil
}
