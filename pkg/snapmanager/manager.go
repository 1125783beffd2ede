// The operations callers (CLI, scheduled jobs) use. takes the per-set lock around every
// transition and keeps records reconciled with backend state.
package snapmanager

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snapdb"
	"github.com/function61/snapset/pkg/snapexec"
	"github.com/function61/snapset/pkg/snapgc"
	"github.com/function61/snapset/pkg/snapmetrics"
	"github.com/function61/snapset/pkg/snapmon"
	"github.com/function61/snapset/pkg/snapplan"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
)

type Config struct {
	StateDir       string
	HeadroomMargin float64
	Autoextend     snapmon.Config
}

type Manager struct {
	registry   *snapdb.Registry
	reconciler *snapdb.Reconciler
	planner    *snapplan.Planner
	executor   *snapexec.Executor
	monitor    *snapmon.Monitor
	gc         *snapgc.Collector
	metrics    *snapmetrics.Metrics
	log        *logex.Leveled
}

func New(
	conf Config,
	providers snapprovider.Set,
	resolver snapplan.VolumeResolver,
	logger *log.Logger,
) (*Manager, error) {
	registry, err := snapdb.Open(conf.StateDir, logger)
	if err != nil {
		return nil, err
	}

	executor := snapexec.New(registry, providers, logger)

	return &Manager{
		registry:   registry,
		reconciler: snapdb.NewReconciler(registry, providers, logger),
		planner:    snapplan.New(resolver, providers, conf.HeadroomMargin),
		executor:   executor,
		monitor:    snapmon.New(registry, providers, conf.Autoextend, logger),
		gc:         snapgc.New(registry, executor, logger),
		metrics:    snapmetrics.New(),
		log:        logex.Levels(logex.Prefix("snapmanager", logex.NonNil(logger))),
	}, nil
}

// Plan is a dry run of PlanAndCreate
func (m *Manager) Plan(ctx context.Context, req snaptypes.Request) (snaptypes.Plan, error) {
	return m.planner.Plan(ctx, req)
}

// PlanAndCreate holds the name's lock across planning and execution, so a concurrent
// invocation cannot create or delete a set of the same name in between. in partial mode a
// set is returned along with a PartialFailureError if some members failed.
func (m *Manager) PlanAndCreate(ctx context.Context, req snaptypes.Request) (*snaptypes.Set, error) {
	set, err := m.planAndCreate(ctx, req)
	m.metrics.Operation("create", err)
	return set, err
}

func (m *Manager) planAndCreate(ctx context.Context, req snaptypes.Request) (*snaptypes.Set, error) {
	// name is used in the lock file's name
	if err := snaptypes.ValidateSetName(req.Name); err != nil {
		return nil, err
	}

	release, err := m.registry.Lock(ctx, req.Name)
	if err != nil {
		return nil, snaptypes.WrapOp("create", req.Name, err)
	}
	defer release()

	plan, err := m.planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := m.checkNameFree(ctx, plan.SetName, plan.SetID()); err != nil {
		return nil, err
	}

	return m.executor.Create(ctx, plan)
}

// names are unique among live sets. the same name + timestamp as allowed is a retry of an
// identical request, which is fine.
func (m *Manager) checkNameFree(ctx context.Context, name string, allowed snaptypes.SetID) error {
	sameName, err := m.registry.List(snapdb.Filter{Name: name})
	if err != nil {
		return err
	}

	for _, existing := range sameName {
		if existing.ID == allowed {
			continue
		}

		// records can be stale; the backend is authoritative
		reconciled, err := m.reconciler.ReconcileSetLocked(ctx, existing.ID)
		if err != nil {
			if snaptypes.IsNotFound(err) {
				continue
			}

			return err
		}

		if reconciled.State != snaptypes.SetDeleted {
			return fmt.Errorf(
				"%w: set name %s is in use by %s (%s)",
				snaptypes.ErrNameCollision,
				name,
				reconciled.ID,
				reconciled.State)
		}
	}

	return nil
}

func (m *Manager) Revert(ctx context.Context, id snaptypes.SetID) (*snaptypes.Set, error) {
	var set *snaptypes.Set

	err := m.withLock(ctx, "revert", id, func() error {
		if _, err := m.reconciler.ReconcileSetLocked(ctx, id); err != nil {
			return snaptypes.WrapOp("revert", string(id), err)
		}

		var err error
		set, err = m.executor.Revert(ctx, id)
		return err
	})

	return set, err
}

func (m *Manager) Delete(ctx context.Context, id snaptypes.SetID) error {
	return m.withLock(ctx, "delete", id, func() error {
		return m.executor.Delete(ctx, id)
	})
}

func (m *Manager) Activate(ctx context.Context, id snaptypes.SetID, active bool) (*snaptypes.Set, error) {
	var set *snaptypes.Set

	err := m.withLock(ctx, "activate", id, func() error {
		var err error
		set, err = m.executor.Activate(ctx, id, active)
		return err
	})

	return set, err
}

// Resize grows members of a set. specs select members (none = all), each optionally with a
// policy of its own; defaultPolicy (if non-nil) applies to the rest.
func (m *Manager) Resize(
	ctx context.Context,
	id snaptypes.SetID,
	specs []snaptypes.SourceSpec,
	defaultPolicy *snaptypes.SizePolicy,
) (*snaptypes.Set, error) {
	var set *snaptypes.Set

	err := m.withLock(ctx, "resize", id, func() error {
		current, err := m.reconciler.ReconcileSetLocked(ctx, id)
		if err != nil {
			return snaptypes.WrapOp("resize", string(id), err)
		}

		steps, err := m.planner.PlanResize(ctx, current, specs, defaultPolicy)
		if err != nil {
			return snaptypes.WrapOp("resize", string(id), err)
		}

		set, err = m.executor.Resize(ctx, id, steps)
		return err
	})

	return set, err
}

// Rename gives a set a new name. snapshots keep their timestamp, so the new ID is
// <newName>@<same timestamp>.
func (m *Manager) Rename(ctx context.Context, id snaptypes.SetID, newName string) (*snaptypes.Set, error) {
	return m.move(ctx, "rename", id, newName, func() (*snaptypes.Set, error) {
		return m.executor.Rename(ctx, id, newName)
	})
}

// Split moves the members of sources out of a set into a new set named newName
func (m *Manager) Split(ctx context.Context, id snaptypes.SetID, newName string, sources []string) (*snaptypes.Set, error) {
	return m.move(ctx, "split", id, newName, func() (*snaptypes.Set, error) {
		return m.executor.Split(ctx, id, newName, sources)
	})
}

// Prune deletes the snapshots of sources and drops them from the set
func (m *Manager) Prune(ctx context.Context, id snaptypes.SetID, sources []string) (*snaptypes.Set, error) {
	var set *snaptypes.Set

	err := m.withLock(ctx, "prune", id, func() error {
		if _, err := m.reconciler.ReconcileSetLocked(ctx, id); err != nil {
			return snaptypes.WrapOp("prune", string(id), err)
		}

		var err error
		set, err = m.executor.Prune(ctx, id, sources)
		return err
	})

	return set, err
}

func (m *Manager) SetAutoactivate(ctx context.Context, id snaptypes.SetID, auto bool) (*snaptypes.Set, error) {
	var set *snaptypes.Set

	err := m.withLock(ctx, "autoactivate", id, func() error {
		if _, err := m.reconciler.ReconcileSetLocked(ctx, id); err != nil {
			return snaptypes.WrapOp("autoactivate", string(id), err)
		}

		var err error
		set, err = m.executor.SetAutoactivate(ctx, id, auto)
		return err
	})

	return set, err
}

// holds the locks of both the old and the new name, so nobody creates a set under the new
// name while we're moving snapshots to it
func (m *Manager) move(
	ctx context.Context,
	op string,
	id snaptypes.SetID,
	newName string,
	execute func() (*snaptypes.Set, error),
) (*snaptypes.Set, error) {
	set, err := func() (*snaptypes.Set, error) {
		withErr := func(err error) error {
			return snaptypes.WrapOp(op, string(id), err)
		}

		name, _, err := snaptypes.ParseSetID(string(id))
		if err != nil {
			return nil, withErr(err)
		}

		if err := snaptypes.ValidateSetName(newName); err != nil {
			return nil, withErr(err)
		}

		if newName == name {
			return nil, withErr(fmt.Errorf("%w: set is already named %s", snaptypes.ErrInvalidRequest, newName))
		}

		// consistent order so two opposite renames can't deadlock
		names := []string{name, newName}
		sort.Strings(names)

		for _, lockName := range names {
			release, err := m.registry.Lock(ctx, lockName)
			if err != nil {
				return nil, withErr(err)
			}
			defer release()
		}

		if _, err := m.reconciler.ReconcileSetLocked(ctx, id); err != nil {
			return nil, withErr(err)
		}

		// includes leftovers of an interrupted move to the same name
		if err := m.checkNameFree(ctx, newName, ""); err != nil {
			return nil, withErr(err)
		}

		return execute()
	}()

	m.metrics.Operation(op, err)

	return set, err
}

// Get returns the set reconciled against backend state
func (m *Manager) Get(ctx context.Context, id snaptypes.SetID) (*snaptypes.Set, error) {
	set, err := m.reconciler.ReconcileSet(ctx, id)
	if err != nil {
		return nil, snaptypes.WrapOp("get", string(id), err)
	}

	return set, nil
}

// List reconciles every set first. reconciliation problems are logged, not returned.
func (m *Manager) List(ctx context.Context, filter snapdb.Filter) ([]snaptypes.Set, error) {
	warnings, err := m.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, snaptypes.WrapOp("list", "", err)
	}

	for _, warning := range warnings {
		m.log.Info.Printf("reconcile: %s", warning.String())
	}

	return m.registry.List(filter)
}

func (m *Manager) Reconcile(ctx context.Context) ([]snaptypes.Warning, error) {
	warnings, err := m.reconciler.Reconcile(ctx)
	m.metrics.Operation("reconcile", err)
	m.metrics.Warnings("reconcile", warnings)
	return warnings, err
}

func (m *Manager) RunAutoextend(ctx context.Context) ([]snaptypes.Warning, error) {
	result, err := m.monitor.Run(ctx)
	m.metrics.Operation("autoextend", err)
	if result == nil {
		return nil, err
	}

	m.metrics.Resized(len(result.Resized))
	m.metrics.Warnings("autoextend", result.Warnings)

	return result.Warnings, err
}

func (m *Manager) RunGC(ctx context.Context, policy snapgc.Policy) ([]snaptypes.SetID, []snaptypes.Warning, error) {
	// GC decisions are based on records, so they'd better be accurate
	if _, err := m.reconciler.Reconcile(ctx); err != nil {
		return nil, nil, snaptypes.WrapOp("gc", policy.Tag, err)
	}

	result, err := m.gc.Run(ctx, policy)
	m.metrics.Operation("gc", err)
	if result == nil {
		return nil, nil, err
	}

	m.metrics.GCDeleted(len(result.Deleted))
	m.metrics.Warnings("gc", result.Warnings)

	return result.Deleted, result.Warnings, err
}

// GCCandidates is a dry run of RunGC
func (m *Manager) GCCandidates(policy snapgc.Policy) ([]snaptypes.Set, error) {
	return m.gc.Candidates(policy)
}

// WriteMetrics refreshes set gauges and writes all metrics to a textfile collector file
func (m *Manager) WriteMetrics(path string) error {
	sets, err := m.registry.List(snapdb.Filter{})
	if err != nil {
		return err
	}

	m.metrics.ObserveSets(sets, time.Now())

	return m.metrics.WriteTextfile(path)
}

func (m *Manager) Metrics() *snapmetrics.Metrics {
	return m.metrics
}

func (m *Manager) withLock(ctx context.Context, op string, id snaptypes.SetID, fn func() error) error {
	err := func() error {
		name, _, err := snaptypes.ParseSetID(string(id))
		if err != nil {
			return snaptypes.WrapOp(op, string(id), err)
		}

		release, err := m.registry.Lock(ctx, name)
		if err != nil {
			return snaptypes.WrapOp(op, string(id), err)
		}
		defer release()

		return fn()
	}()

	m.metrics.Operation(op, err)

	return err
}
