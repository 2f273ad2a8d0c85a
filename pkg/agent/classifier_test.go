package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegexClassifier(t *testing.T) {
	c := NewRegexClassifier()

	tests := []struct {
		message string
		simple  bool
	}{
		{"hi", true},
		{"Hello there", true},
		{"thanks!", true},
		{"thank you so much", true},
		{"help", true},
		{"ok", true},
		{"how are you?", true},
		{"goodbye", true},
		{"build a web scraper", false},
		{"can you write a summary of this document", false},
		{"I want to analyze last quarter's sales figures", false},
		{"please research competitor pricing", false},
		{"generate a logo", false},
		{"Implement the parser for the new format and add tests for it too", false},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.simple, c.IsSimple(tt.message))
		})
	}
}

func TestRegexClassifierShortNonTaskIsSimple(t *testing.T) {
	c := NewRegexClassifier()
	// Under 50 chars and no task verbs.
	assert.True(t, c.IsSimple("what time is it over there"))
	// Over 50 chars without a greeting is not simple.
	assert.False(t, c.IsSimple("the quarterly report needs to cover all twelve regional offices in detail"))
}
