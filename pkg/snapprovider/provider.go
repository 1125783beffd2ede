// Backend-specific snapshot adapters behind a uniform capability surface
package snapprovider

import (
	"context"
	"fmt"
	"log"

	"github.com/function61/snapset/pkg/snaptypes"
)

// Provider is one storage technology. Providers are stateless: every call goes to the
// backend tool, so one instance per kind is shared by all components.
type Provider interface {
	Kind() snaptypes.ProviderKind
	Capabilities() snaptypes.Capabilities
	// returns nil volume (and nil error) if device is not handled by this provider
	Probe(ctx context.Context, device string) (*snaptypes.SourceVolume, error)
	// existing snapshot with same name and same origin is returned as-is (retry after partial failure)
	CreateSnapshot(ctx context.Context, source snaptypes.SourceVolume, name string, size uint64) (snaptypes.MemberHandle, error)
	// ErrNotFound if already gone
	DeleteSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error
	// origin "" lists all snapshots that follow the member naming convention
	ListSnapshots(ctx context.Context, origin string) ([]snaptypes.MemberHandle, error)
	ResizeSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newSize uint64) error
	RevertSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error
	// fraction [0, 1] of the snapshot's allocated space still unused
	FreeSpace(ctx context.Context, handle snaptypes.MemberHandle) (float64, error)
	SetAutoactivate(ctx context.Context, handle snaptypes.MemberHandle, auto bool) error
	Activate(ctx context.Context, handle snaptypes.MemberHandle, active bool) error
	// returns handle of the snapshot under its new name
	RenameSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newName string) (snaptypes.MemberHandle, error)
}

// All returns the closed set of providers in probe order. thin before COW because a thin
// volume would otherwise look like a plain LV.
func All(runner Runner, logger *log.Logger) []Provider {
	return []Provider{
		Lvm2Thin(runner, logger),
		Lvm2Cow(runner, logger),
		Stratis(runner, logger),
	}
}

type Set map[snaptypes.ProviderKind]Provider

func NewSet(providers ...Provider) Set {
	set := Set{}
	for _, provider := range providers {
		set[provider.Kind()] = provider
	}

	return set
}

func (s Set) Get(kind snaptypes.ProviderKind) (Provider, error) {
	provider, found := s[kind]
	if !found {
		return nil, fmt.Errorf("%w: provider %s", snaptypes.ErrNotFound, kind)
	}

	return provider, nil
}

// ProbeOrder is the deterministic probe order of the set
func (s Set) ProbeOrder() []Provider {
	ordered := []Provider{}
	for _, kind := range []snaptypes.ProviderKind{snaptypes.KindLvm2Thin, snaptypes.KindLvm2Cow, snaptypes.KindStratis} {
		if provider, found := s[kind]; found {
			ordered = append(ordered, provider)
		}
	}

	return ordered
}

// RequireCapability fails with UnsupportedOperation if provider lacks capability
func RequireCapability(provider Provider, capability snaptypes.Capability) error {
	if !provider.Capabilities().Has(capability) {
		return snaptypes.Unsupported(provider.Kind(), capability)
	}

	return nil
}
