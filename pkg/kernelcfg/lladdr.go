package kernelcfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// ValidateLLAddr accepts "aa:bb:cc:dd:ee:ff", the bare-hex form
// "aabbccddeeff", and partially zero-padded forms (e.g. "a:b:c:d:e:f").
// It rejects 11-digit and non-hex input.
func ValidateLLAddr(s string) (string, error) {
	hexOnly := strings.ReplaceAll(s, ":", "")
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 6 {
			return "", nemuutil.NewConfigError("lladdr", s, fmt.Sprintf("expected 6 colon-separated octets, got %d", len(parts)))
		}
		var b [6]byte
		for i, p := range parts {
			if len(p) == 0 || len(p) > 2 {
				return "", nemuutil.NewConfigError("lladdr", s, "each octet must be 1-2 hex digits")
			}
			v, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return "", nemuutil.NewConfigError("lladdr", s, "non-hex octet "+p)
			}
			b[i] = byte(v)
		}
		return formatMAC(b), nil
	}

	if len(hexOnly) != 12 {
		return "", nemuutil.NewConfigError("lladdr", s, fmt.Sprintf("expected 12 hex digits, got %d", len(hexOnly)))
	}
	var b [6]byte
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseUint(hexOnly[i*2:i*2+2], 16, 8)
		if err != nil {
			return "", nemuutil.NewConfigError("lladdr", s, "non-hex digits")
		}
		b[i] = byte(v)
	}
	return formatMAC(b), nil
}

// CanonicalizeLLAddr canonicalizes a kernel-reported MAC/broadcast string.
// Unlike ValidateLLAddr it never errors: on malformed input it returns the
// input unchanged, since kernel output is trusted.
func CanonicalizeLLAddr(s string) string {
	canon, err := ValidateLLAddr(s)
	if err != nil {
		return s
	}
	return canon
}

func formatMAC(b [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
