// Formats byte amounts into human readable format and parses sizes with units
package byteshuman

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	B   = 1
	kiB = 1024 * B
	MiB = 1024 * kiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
	PiB = 1024 * TiB
)

func Humanize(num uint64) string {
	switch {
	case num >= PiB:
		return fmt.Sprintf("%.02f PiB", float64(num)/PiB)
	case num >= TiB:
		return fmt.Sprintf("%.02f TiB", float64(num)/TiB)
	case num >= GiB:
		return fmt.Sprintf("%.02f GiB", float64(num)/GiB)
	case num >= MiB:
		return fmt.Sprintf("%.02f MiB", float64(num)/MiB)
	case num >= kiB:
		return fmt.Sprintf("%.02f kiB", float64(num)/kiB)
	default:
		return fmt.Sprintf("%d B", num)
	}
}

var unitMultipliers = map[string]uint64{
	"":  B,
	"B": B,
	"K": kiB,
	"M": MiB,
	"G": GiB,
	"T": TiB,
	"P": PiB,
}

// Parse reads sizes like "512", "512B", "1.5G", "2GiB" or "10 M". units are powers of 1024
// regardless of spelling (LVM convention).
func Parse(text string) (uint64, error) {
	trimmed := strings.TrimSpace(text)

	numEnd := strings.IndexFunc(trimmed, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.'
	})
	if numEnd == -1 {
		numEnd = len(trimmed)
	}

	num, err := strconv.ParseFloat(trimmed[:numEnd], 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid size '%s'", text)
	}

	unit := strings.ToUpper(strings.TrimSpace(trimmed[numEnd:]))
	unit = strings.TrimSuffix(unit, "IB")
	if len(unit) == 2 && unit[1] == 'B' { // "GB"
		unit = unit[:1]
	}

	multiplier, found := unitMultipliers[unit]
	if !found {
		return 0, fmt.Errorf("invalid size unit in '%s'", text)
	}

	return uint64(math.Ceil(num * float64(multiplier))), nil
}
