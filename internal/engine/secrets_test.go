package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurveyPrompter(t *testing.T) {
	p := NewSurveyPrompter()
	var asked []string
	p.ask = func(name string) (string, error) {
		asked = append(asked, name)
		return "value", nil
	}

	p.isTerminal = func() bool { return false }
	_, err := p.Prompt("TOKEN")
	assert.ErrorContains(t, err, "not a terminal")
	assert.Empty(t, asked)

	p.isTerminal = func() bool { return true }
	value, err := p.Prompt("TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
	assert.Equal(t, []string{"TOKEN"}, asked)
}
