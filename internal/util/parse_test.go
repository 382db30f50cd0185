package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseInt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"negative with commas", "-12,345", -12345},
		{"positive prefix stripped", "+123", 123},
		{"blank", " ", 0},
		{"empty", "", 0},
		{"plain", "70000", 70000},
		{"garbage", "abc", 0},
		{"negative plain", "-500", -500},
		{"commas only positive", "1,234,567", 1234567},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseInt(tt.input))
		})
	}
}

func TestParseFloat(t *testing.T) {
	assert.InDelta(t, -2.35, ParseFloat("-2.35"), 1e-9)
	assert.InDelta(t, 1.5, ParseFloat("+1.5"), 1e-9)
	assert.Zero(t, ParseFloat(""))
	assert.InDelta(t, 1234.5, ParseFloat("1,234.5"), 1e-9)
}

func TestParseAbsInt(t *testing.T) {
	assert.Equal(t, 70000, ParseAbsInt("-70000"))
	assert.Equal(t, 70000, ParseAbsInt("+70,000"))
	assert.Equal(t, 0, ParseAbsInt(""))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", " ", "b", "c"))
	assert.Equal(t, "", FirstNonEmpty("", ""))
}

func TestStripSymbolPrefix(t *testing.T) {
	assert.Equal(t, "005930", StripSymbolPrefix("A005930"))
	assert.Equal(t, "005930", StripSymbolPrefix("005930"))
	assert.Equal(t, "005930", StripSymbolPrefix("J005930"))
}
