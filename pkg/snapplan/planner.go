// Turns a snapshot set request into an immutable plan, without touching any backend state
package snapplan

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/function61/snapset/pkg/byteshuman"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/samber/lo"
)

const DefaultHeadroomMargin = 0.10

type VolumeResolver interface {
	Resolve(ctx context.Context, pathOrDevice string) (snaptypes.SourceVolume, error)
}

type Planner struct {
	resolver  VolumeResolver
	providers snapprovider.Set
	margin    float64
	now       func() time.Time
}

// margin is the extra fraction of each snapshot's size that has to fit in its space pool
func New(resolver VolumeResolver, providers snapprovider.Set, margin float64) *Planner {
	return &Planner{
		resolver:  resolver,
		providers: providers,
		margin:    margin,
		now:       time.Now,
	}
}

func (p *Planner) Plan(ctx context.Context, req snaptypes.Request) (snaptypes.Plan, error) {
	if err := snaptypes.ValidateSetName(req.Name); err != nil {
		return snaptypes.Plan{}, err
	}

	if len(req.Sources) == 0 {
		return snaptypes.Plan{}, fmt.Errorf("set %s: %w", req.Name, snaptypes.ErrNoSources)
	}

	mode := req.Mode
	switch mode {
	case "":
		mode = snaptypes.ModeAtomic
	case snaptypes.ModeAtomic, snaptypes.ModePartial:
	default:
		return snaptypes.Plan{}, fmt.Errorf("%w: unknown mode '%s'", snaptypes.ErrInvalidRequest, mode)
	}

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = p.now()
	}
	// member names only carry second resolution
	timestamp = timestamp.UTC().Truncate(time.Second)

	members := []snaptypes.PlannedMember{}
	sourceOfDevice := map[string]string{}

	for _, spec := range req.Sources {
		vol, err := p.resolver.Resolve(ctx, spec.Source)
		if err != nil {
			return snaptypes.Plan{}, err
		}

		if other, duplicate := sourceOfDevice[vol.Device]; duplicate {
			return snaptypes.Plan{}, fmt.Errorf(
				"%w: %s and %s are both backed by %s",
				snaptypes.ErrInvalidRequest,
				other,
				spec.Source,
				vol.Device)
		}
		sourceOfDevice[vol.Device] = spec.Source

		member, err := p.planMember(ctx, req.Name, timestamp, spec, vol)
		if err != nil {
			return snaptypes.Plan{}, err
		}

		members = append(members, member)
	}

	if err := p.checkSpace(members); err != nil {
		return snaptypes.Plan{}, err
	}

	return snaptypes.Plan{
		SetName:      req.Name,
		Timestamp:    timestamp,
		UUID:         snaptypes.SetUUID(req.Name, timestamp),
		Mode:         mode,
		Tag:          req.Tag,
		Autoactivate: req.Autoactivate,
		Members:      members,
	}, nil
}

func (p *Planner) planMember(
	ctx context.Context,
	setName string,
	timestamp time.Time,
	spec snaptypes.SourceSpec,
	vol snaptypes.SourceVolume,
) (snaptypes.PlannedMember, error) {
	policy := spec.Policy
	if policy == nil {
		policy = snaptypes.DefaultSizePolicy(vol)
	}

	size, err := policy.Compute(vol)
	if err != nil {
		return snaptypes.PlannedMember{}, fmt.Errorf("%s: %w", spec.Source, err)
	}

	name := snaptypes.FormatMemberName(vol.OriginName(), setName, timestamp, vol.Source())
	if vol.MaxNameLength > 0 && len(name) > vol.MaxNameLength {
		return snaptypes.PlannedMember{}, fmt.Errorf(
			"%w: snapshot name for %s would be %d characters (%s allows %d); use a shorter set name",
			snaptypes.ErrInvalidRequest,
			spec.Source,
			len(name),
			vol.Kind,
			vol.MaxNameLength)
	}

	existing, err := p.nameTaken(ctx, vol, name)
	if err != nil {
		return snaptypes.PlannedMember{}, err
	}

	return snaptypes.PlannedMember{
		Source:     vol,
		TargetName: name,
		SizeBytes:  size,
		Existing:   existing,
	}, nil
}

// absent -> false. present with same origin -> true (retry of identical request).
// present with other origin -> NameCollision.
func (p *Planner) nameTaken(ctx context.Context, vol snaptypes.SourceVolume, name string) (bool, error) {
	provider, err := p.providers.Get(vol.Kind)
	if err != nil {
		return false, err
	}

	snapshots, err := provider.ListSnapshots(ctx, "")
	if err != nil {
		return false, err
	}

	// names are unique within a VG or stratis pool
	spaceOf := func(id string) string {
		space, _, _ := strings.Cut(id, "/")
		return space
	}

	for _, snap := range snapshots {
		if snap.Name != name || spaceOf(snap.ID) != spaceOf(vol.Origin) {
			continue
		}

		if snap.Origin != vol.Origin {
			return false, fmt.Errorf(
				"%w: %s already exists with origin %s",
				snaptypes.ErrNameCollision,
				snap.ID,
				snap.Origin)
		}

		return true, nil
	}

	return false, nil
}

// PlanResize computes new sizes for members of an existing set. specs select members by
// source, each with an optional policy of its own; no specs means every created member.
// snapshots only grow: a policy yielding less than the current size is an error.
func (p *Planner) PlanResize(
	ctx context.Context,
	set *snaptypes.Set,
	specs []snaptypes.SourceSpec,
	defaultPolicy *snaptypes.SizePolicy,
) ([]snaptypes.PlannedResize, error) {
	if len(specs) == 0 {
		for _, idx := range set.CreatedMembers() {
			specs = append(specs, snaptypes.SourceSpec{Source: set.Members[idx].Source()})
		}
	}

	steps := []snaptypes.PlannedResize{}
	seen := map[int]bool{}

	for _, spec := range specs {
		idx, err := set.MemberBySource(spec.Source)
		if err != nil {
			return nil, err
		}

		if seen[idx] {
			return nil, fmt.Errorf("%w: %s given twice", snaptypes.ErrInvalidRequest, spec.Source)
		}
		seen[idx] = true

		member := set.Members[idx]

		if member.State != snaptypes.MemberCreated {
			return nil, fmt.Errorf("%w: member %s is %s", snaptypes.ErrInvalidState, spec.Source, member.State)
		}

		provider, err := p.providers.Get(member.Kind)
		if err != nil {
			return nil, err
		}

		if err := snapprovider.RequireCapability(provider, snaptypes.CapResize); err != nil {
			return nil, fmt.Errorf("member %s: %w", spec.Source, err)
		}

		vol, err := p.resolver.Resolve(ctx, spec.Source)
		if err != nil {
			return nil, err
		}

		if vol.Origin != member.Origin {
			return nil, fmt.Errorf(
				"%w: %s is now backed by %s, snapshot is of %s",
				snaptypes.ErrInvalidState,
				spec.Source,
				vol.Origin,
				member.Origin)
		}

		policy, _ := lo.Coalesce(spec.Policy, defaultPolicy, snaptypes.DefaultSizePolicy(vol))

		size, err := policy.Compute(vol)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Source, err)
		}

		if size < member.SizeBytes {
			return nil, fmt.Errorf(
				"%w: %s would shrink %s from %s to %s; snapshots can only grow",
				snaptypes.ErrInvalidRequest,
				policy.String(),
				spec.Source,
				byteshuman.Humanize(member.SizeBytes),
				byteshuman.Humanize(size))
		}

		if size == member.SizeBytes {
			continue
		}

		steps = append(steps, snaptypes.PlannedResize{
			Member:    idx,
			Source:    vol,
			FromBytes: member.SizeBytes,
			ToBytes:   size,
		})
	}

	if err := p.checkGrowth(steps); err != nil {
		return nil, err
	}

	return steps, nil
}

type poolKey struct {
	kind snaptypes.ProviderKind
	pool string
}

// snapshots allocate from their space pool, so sum(size * (1 + margin)) of all new members
// in the same pool must fit in its free capacity
func (p *Planner) checkSpace(members []snaptypes.PlannedMember) error {
	byPool := lo.GroupBy(
		lo.Filter(members, func(member snaptypes.PlannedMember, _ int) bool { return !member.Existing }),
		func(member snaptypes.PlannedMember) poolKey {
			return poolKey{member.Source.Kind, member.Source.SpacePool}
		})

	pools := lo.Keys(byPool)
	sort.Slice(pools, func(i, j int) bool { return pools[i].pool < pools[j].pool })

	for _, pool := range pools {
		poolMembers := byPool[pool]

		required := lo.SumBy(poolMembers, func(member snaptypes.PlannedMember) uint64 {
			return uint64(math.Ceil(float64(member.SizeBytes) * (1 + p.margin)))
		})

		free := lo.MinBy(poolMembers, func(a, b snaptypes.PlannedMember) bool {
			return a.Source.PoolFreeBytes < b.Source.PoolFreeBytes
		}).Source.PoolFreeBytes

		if required > free {
			return fmt.Errorf(
				"%w: %s pool %s needs %s (incl. %.0f%% margin) but has %s free",
				snaptypes.ErrInsufficientSpace,
				pool.kind,
				pool.pool,
				byteshuman.Humanize(required),
				p.margin*100,
				byteshuman.Humanize(free))
		}
	}

	return nil
}

// like checkSpace, but only the growth is allocated
func (p *Planner) checkGrowth(steps []snaptypes.PlannedResize) error {
	growth := lo.Map(steps, func(step snaptypes.PlannedResize, _ int) snaptypes.PlannedMember {
		return snaptypes.PlannedMember{
			Source:    step.Source,
			SizeBytes: step.ToBytes - step.FromBytes,
		}
	})

	return p.checkSpace(growth)
}
