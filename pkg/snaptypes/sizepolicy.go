package snaptypes

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/function61/snapset/pkg/byteshuman"
)

const SectorSize = 512

type SizePolicyKind string

const (
	PolicyFixed       SizePolicyKind = "FIXED"
	PolicyPercentSize SizePolicyKind = "SIZE" // of origin volume size
	PolicyPercentFree SizePolicyKind = "FREE" // of free space in the space pool
	PolicyPercentUsed SizePolicyKind = "USED" // of used space in the origin's filesystem
)

type SizePolicy struct {
	Kind    SizePolicyKind
	Bytes   uint64  // PolicyFixed
	Percent float64 // percentage policies
}

func FixedSize(bytes uint64) *SizePolicy {
	return &SizePolicy{Kind: PolicyFixed, Bytes: bytes}
}

func PercentOf(kind SizePolicyKind, percent float64) *SizePolicy {
	return &SizePolicy{Kind: kind, Percent: percent}
}

// ParseSizePolicy accepts "2G", "512MiB", "10%SIZE", "50%FREE", "200%USED"
func ParseSizePolicy(text string) (*SizePolicy, error) {
	text = strings.TrimSpace(text)

	if pctText, kindText, isPercent := strings.Cut(text, "%"); isPercent {
		kind := SizePolicyKind(strings.ToUpper(kindText))
		switch kind {
		case PolicyPercentSize, PolicyPercentFree, PolicyPercentUsed:
		default:
			return nil, fmt.Errorf("%w: unknown size policy '%%%s'", ErrInvalidRequest, kindText)
		}

		percent, err := strconv.ParseFloat(pctText, 64)
		if err != nil || percent <= 0 {
			return nil, fmt.Errorf("%w: invalid percentage in size policy '%s'", ErrInvalidRequest, text)
		}

		if percent > 100 && kind != PolicyPercentUsed {
			return nil, fmt.Errorf("%w: size policy '%s' cannot exceed 100%%", ErrInvalidRequest, text)
		}

		return PercentOf(kind, percent), nil
	}

	bytes, err := byteshuman.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: size policy: %v", ErrInvalidRequest, err)
	}

	if bytes == 0 {
		return nil, fmt.Errorf("%w: zero size policy", ErrInvalidRequest)
	}

	return FixedSize(bytes), nil
}

func (p SizePolicy) String() string {
	if p.Kind == PolicyFixed {
		return strconv.FormatUint(p.Bytes, 10)
	}

	return strconv.FormatFloat(p.Percent, 'f', -1, 64) + "%" + string(p.Kind)
}

// DefaultSizePolicy: twice the used space for mounted filesystems, quarter of the origin otherwise
func DefaultSizePolicy(vol SourceVolume) *SizePolicy {
	if vol.MountPoint != "" {
		return PercentOf(PolicyPercentUsed, 200)
	}

	return PercentOf(PolicyPercentSize, 25)
}

// Compute resolves the policy into a concrete snapshot size for vol, rounded up to whole
// sectors, to vol's allocation granularity and to at least vol's minimum snapshot size
func (p SizePolicy) Compute(vol SourceVolume) (uint64, error) {
	var size uint64

	switch p.Kind {
	case PolicyFixed:
		size = p.Bytes
	case PolicyPercentSize:
		size = percentOf(vol.SizeBytes, p.Percent)
	case PolicyPercentFree:
		size = percentOf(vol.PoolFreeBytes, p.Percent)
	case PolicyPercentUsed:
		if vol.MountPoint == "" {
			return 0, fmt.Errorf("%w: %%USED policy requires a mounted source: %s", ErrInvalidRequest, vol.Device)
		}

		size = percentOf(vol.UsedBytes, p.Percent)
	default:
		return 0, fmt.Errorf("%w: unknown size policy kind '%s'", ErrInvalidRequest, p.Kind)
	}

	size = RoundUp(size, SectorSize)

	if vol.Granularity > 0 {
		size = RoundUp(size, vol.Granularity)
	}

	if size < vol.MinSnapshotSize {
		size = vol.MinSnapshotSize
	}

	return size, nil
}

func RoundUp(value uint64, multiple uint64) uint64 {
	if multiple == 0 || value%multiple == 0 {
		return value
	}

	return (value/multiple + 1) * multiple
}

func percentOf(base uint64, percent float64) uint64 {
	return uint64(math.Ceil(float64(base) * percent / 100))
}
