package agenda

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePriorityShouldResolveNames(t *testing.T) {
	tests := []struct {
		name     string
		expected Priority
	}{
		{"lowest", -20},
		{"low", -10},
		{"normal", 0},
		{"high", 10},
		{"HIGHEST", 20},
		{"urgent", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParsePriority(tt.name))
		})
	}

	assert.Greater(t, ParsePriority("high"), PriorityNormal)
}

func TestPriorityStringShouldNameKnownLevels(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "7", Priority(7).String())
}
