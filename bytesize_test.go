package cachezone

import (
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"10k", 10 * 1024},
		{"10KB", 10 * 1024},
		{"10m", 10 * 1024 * 1024},
		{"1.5g", 3 * 512 * 1024 * 1024},
		{" 2 mb ", 2 * 1024 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBytes(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseBytesRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "b", "ten", "-1k", "10x"} {
		_, err := parseBytes(in)
		require.Error(t, err, in)
		require.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err), in)
	}
}
