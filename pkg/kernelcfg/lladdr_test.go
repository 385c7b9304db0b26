package kernelcfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateLLAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"colon form", "aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff", false},
		{"bare hex form", "aabbccddeeff", "aa:bb:cc:dd:ee:ff", false},
		{"partially zero-padded", "a:b:c:d:e:f", "0a:0b:0c:0d:0e:0f", false},
		{"uppercase", "AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff", false},
		{"11 hex digits", "aabbccddeef", "", true},
		{"13 hex digits", "aabbccddeeff1", "", true},
		{"non-hex colon form", "zz:bb:cc:dd:ee:ff", "", true},
		{"non-hex bare form", "zzbbccddeeff", "", true},
		{"too few octets", "aa:bb:cc:dd:ee", "", true},
		{"too many octets", "aa:bb:cc:dd:ee:ff:00", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateLLAddr(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalizeLLAddr(t *testing.T) {
	require.Equal(t, "aa:bb:cc:dd:ee:ff", CanonicalizeLLAddr("aa:bb:cc:dd:ee:ff"))
	require.Equal(t, "not-a-mac", CanonicalizeLLAddr("not-a-mac"))
}
