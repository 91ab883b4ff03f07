package typeconverter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name  string `json:"name"`
	Times int    `json:"times"`
}

func TestGenerateInterface(t *testing.T) {
	out, err := Generate(&greeting{})
	require.NoError(t, err)
	assert.Contains(t, out, "interface greeting")
	assert.Contains(t, out, "name: string;")
	assert.Contains(t, out, "times: number;")
}

func TestGenerateRejectsNonStruct(t *testing.T) {
	_, err := Generate(42)
	assert.Error(t, err)
}
