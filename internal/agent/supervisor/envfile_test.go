package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvExportLines(t *testing.T) {
	content := `
# workspace bootstrap credentials
export ANTHROPIC_API_KEY="sk-ant-123"
export PATH=/usr/local/bin:/usr/bin
export EMPTY=""

PLAIN=value
malformed
=nokey
`
	env := parseEnvExportLines(content)
	assert.Equal(t, []string{
		"ANTHROPIC_API_KEY=sk-ant-123",
		"PATH=/usr/local/bin:/usr/bin",
		"EMPTY=",
		"PLAIN=value",
	}, env)
}

func TestParseEnvExportLines_Empty(t *testing.T) {
	assert.Nil(t, parseEnvExportLines(""))
	assert.Nil(t, parseEnvExportLines("# only comments\n\n"))
}

func TestParseEnvExportLines_ValueWithEquals(t *testing.T) {
	env := parseEnvExportLines(`export TOKEN="abc=def=="`)
	assert.Equal(t, []string{"TOKEN=abc=def=="}, env)
}
