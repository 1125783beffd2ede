// Space monitor: grows copy-on-write snapshots before they run out of space. a COW snapshot
// whose exception store fills up is invalidated for good, so growing early is the only fix.
package snapmon

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/byteshuman"
	"github.com/function61/snapset/pkg/snapdb"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
)

const (
	DefaultThreshold = 0.20
	DefaultIncrement = 0.20
)

type Config struct {
	Threshold float64 // grow when unused fraction of snapshot space is below this
	Increment float64 // grow by this fraction of current size
	MaxSize   uint64  // 0 = unlimited
}

func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Increment: DefaultIncrement,
	}
}

type Registry interface {
	List(filter snapdb.Filter) ([]snaptypes.Set, error)
	Get(id snaptypes.SetID) (*snaptypes.Set, error)
	Put(set *snaptypes.Set) error
	TryLock(name string) (func(), error)
}

type Monitor struct {
	registry  Registry
	providers snapprovider.Set
	conf      Config
	log       *logex.Leveled
}

func New(registry Registry, providers snapprovider.Set, conf Config, logger *log.Logger) *Monitor {
	return &Monitor{
		registry:  registry,
		providers: providers,
		conf:      conf,
		log:       logex.Levels(logex.Prefix("autoextend", logex.NonNil(logger))),
	}
}

type Result struct {
	Resized  []string // handle IDs
	Warnings []snaptypes.Warning
}

// Run checks every created member of active and partial sets. problems with one member are
// reported as warnings and never stop the pass. busy sets are skipped until the next run.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	sets, err := m.registry.List(snapdb.Filter{
		States: []snaptypes.SetState{snaptypes.SetActive, snaptypes.SetPartial},
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Resized:  []string{},
		Warnings: []snaptypes.Warning{},
	}

	for _, listed := range sets {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := m.checkSet(ctx, listed.ID, listed.Name, result); err != nil {
			if snaptypes.IsBusy(err) {
				m.log.Debug.Printf("skipping %s: %v", listed.ID, err)
				continue
			}

			result.Warnings = append(result.Warnings, snaptypes.Warning{SetID: listed.ID, Message: err.Error()})
		}
	}

	return result, nil
}

func (m *Monitor) checkSet(ctx context.Context, id snaptypes.SetID, name string, result *Result) error {
	release, err := m.registry.TryLock(name)
	if err != nil {
		return err
	}
	defer release()

	set, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	if set.State != snaptypes.SetActive && set.State != snaptypes.SetPartial {
		return nil // changed since listing
	}

	changed := false

	for _, idx := range set.CreatedMembers() {
		member := &set.Members[idx]

		warning, memberChanged := m.checkMember(ctx, set.ID, member, result)
		if warning != "" {
			m.log.Error.Printf("%s: %s: %s", set.ID, member.Handle.ID, warning)

			result.Warnings = append(result.Warnings, snaptypes.Warning{
				SetID:   set.ID,
				Member:  member.Source(),
				Message: warning,
			})
		}

		changed = changed || memberChanged
	}

	if !changed {
		return nil
	}

	return m.registry.Put(set)
}

// returns warning text (if any) and whether member was modified
func (m *Monitor) checkMember(
	ctx context.Context,
	setID snaptypes.SetID,
	member *snaptypes.Member,
	result *Result,
) (string, bool) {
	provider, err := m.providers.Get(member.Kind)
	if err != nil {
		return err.Error(), false
	}

	if !provider.Capabilities().FreeSpace {
		return "", false
	}

	free, err := provider.FreeSpace(ctx, member.Handle)
	if err != nil {
		return fmt.Sprintf("reading free space: %v", err), false
	}

	if free >= m.conf.Threshold {
		if member.AtRisk { // grown by someone else or usage went down
			member.AtRisk = false
			return "", true
		}

		return "", false
	}

	atRisk := func(warning string) (string, bool) {
		changed := !member.AtRisk
		member.AtRisk = true
		return warning, changed
	}

	freePct := free * 100

	if !provider.Capabilities().Resize {
		return atRisk(fmt.Sprintf("%.0f%% free and %s snapshots cannot be resized", freePct, provider.Kind()))
	}

	newSize := m.grownSize(member.SizeBytes)
	if newSize <= member.SizeBytes {
		return atRisk(fmt.Sprintf(
			"%.0f%% free and already at maximum size %s",
			freePct,
			byteshuman.Humanize(m.conf.MaxSize)))
	}

	if err := provider.ResizeSnapshot(ctx, member.Handle, newSize); err != nil {
		return atRisk(fmt.Sprintf("%.0f%% free and resize failed: %v", freePct, err))
	}

	m.log.Info.Printf(
		"%s: grew %s %s -> %s (was %.0f%% free)",
		setID,
		member.Handle.ID,
		byteshuman.Humanize(member.SizeBytes),
		byteshuman.Humanize(newSize),
		freePct)

	member.SizeBytes = newSize
	member.Handle.SizeBytes = newSize
	member.AtRisk = false
	result.Resized = append(result.Resized, member.Handle.ID)

	return "", true
}

// current grown by Increment, rounded up to whole sectors (backends can't allocate less) and
// capped at MaxSize. the growth is thus at least Increment, at most a sector more.
func (m *Monitor) grownSize(current uint64) uint64 {
	grown := current + uint64(math.Ceil(float64(current)*m.conf.Increment))
	grown = snaptypes.RoundUp(grown, snaptypes.SectorSize)

	if m.conf.MaxSize > 0 && grown > m.conf.MaxSize {
		return m.conf.MaxSize
	}

	return grown
}
