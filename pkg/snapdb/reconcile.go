package snapdb

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/samber/lo"
)

// Reconciler brings records in line with what actually exists on the backends. the backend
// is authoritative: snapshots can be removed out-of-band, and a crashed invocation can leave
// records in transitional states or snapshots without records.
type Reconciler struct {
	registry  *Registry
	providers snapprovider.Set
	log       *logex.Leveled
	now       func() time.Time
}

func NewReconciler(registry *Registry, providers snapprovider.Set, logger *log.Logger) *Reconciler {
	return &Reconciler{
		registry:  registry,
		providers: providers,
		log:       logex.Levels(logex.Prefix("reconcile", logex.NonNil(logger))),
		now:       time.Now,
	}
}

type backendSnapshot struct {
	handle snaptypes.MemberHandle
	parsed snaptypes.ParsedMemberName
}

// snapshots following the naming convention, grouped by the set they belong to
type inventory struct {
	bySet map[snaptypes.SetID][]backendSnapshot
	// kinds whose listing failed. their members are left untouched, since "could not list"
	// must not be mistaken for "does not exist".
	unavailable map[snaptypes.ProviderKind]error
}

func (r *Reconciler) inventory(ctx context.Context) inventory {
	inv := inventory{
		bySet:       map[snaptypes.SetID][]backendSnapshot{},
		unavailable: map[snaptypes.ProviderKind]error{},
	}

	for _, provider := range r.providers.ProbeOrder() {
		handles, err := provider.ListSnapshots(ctx, "")
		if err != nil {
			r.log.Error.Printf("listing %s snapshots: %v", provider.Kind(), err)
			inv.unavailable[provider.Kind()] = err
			continue
		}

		for _, handle := range handles {
			parsed, ok := snaptypes.ParseMemberName(handle.Name, originName(handle.Origin))
			if !ok {
				continue
			}

			inv.bySet[parsed.SetID()] = append(inv.bySet[parsed.SetID()], backendSnapshot{handle, parsed})
		}
	}

	return inv
}

// Reconcile does a full pass: quarantines corrupt records, reconciles every record that is
// not locked by someone else and adopts backend snapshot groups that have no record.
func (r *Reconciler) Reconcile(ctx context.Context) ([]snaptypes.Warning, error) {
	warnings := []snaptypes.Warning{}

	corrupt, err := r.registry.Corrupt()
	if err != nil {
		return nil, err
	}

	for _, id := range corrupt {
		if err := r.registry.Quarantine(id); err != nil {
			return nil, err
		}

		warnings = append(warnings, snaptypes.Warning{
			SetID:   id,
			Message: "corrupt record quarantined; set is re-adopted from backend state if its snapshots exist",
		})
	}

	inv := r.inventory(ctx)
	for kind, err := range inv.unavailable {
		warnings = append(warnings, snaptypes.Warning{Message: fmt.Sprintf("%s not reconciled: %v", kind, err)})
	}

	sets, err := r.registry.List(Filter{})
	if err != nil {
		return nil, err
	}

	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return warnings, err
		}

		if _, err := r.reconcileLocked(set.Name, set.ID, inv); err != nil {
			if snaptypes.IsBusy(err) {
				r.log.Debug.Printf("skipping %s: %v", set.ID, err)
				continue
			}

			return warnings, err
		}
	}

	known := lo.SliceToMap(sets, func(set snaptypes.Set) (snaptypes.SetID, bool) {
		return set.ID, true
	})

	orphanIDs := lo.Filter(lo.Keys(inv.bySet), func(id snaptypes.SetID, _ int) bool {
		return !known[id]
	})
	sort.Slice(orphanIDs, func(i, j int) bool { return orphanIDs[i] < orphanIDs[j] })

	for _, id := range orphanIDs {
		adopted, err := r.adopt(id, inv.bySet[id])
		if err != nil {
			if snaptypes.IsBusy(err) {
				continue
			}

			return warnings, err
		}

		if adopted {
			warnings = append(warnings, snaptypes.Warning{SetID: id, Message: "adopted snapshots with no record"})
		}
	}

	return warnings, nil
}

// ReconcileSet reconciles a single set. a set locked by someone else is returned as recorded.
// returns ErrNotFound if the set turned out to no longer exist.
func (r *Reconciler) ReconcileSet(ctx context.Context, id snaptypes.SetID) (*snaptypes.Set, error) {
	name, _, err := snaptypes.ParseSetID(string(id))
	if err != nil {
		return nil, err
	}

	set, err := r.reconcileLocked(name, id, r.inventory(ctx))
	if err != nil {
		if snaptypes.IsBusy(err) {
			return r.registry.Get(id)
		}

		return nil, err
	}

	if set == nil {
		return nil, fmt.Errorf("set %s: %w", id, snaptypes.ErrNotFound)
	}

	return set, nil
}

// ReconcileSetLocked is ReconcileSet for a caller already holding the set's lock
func (r *Reconciler) ReconcileSetLocked(ctx context.Context, id snaptypes.SetID) (*snaptypes.Set, error) {
	set, err := r.reconcileRecord(id, r.inventory(ctx))
	if err != nil {
		return nil, err
	}

	if set == nil {
		return nil, fmt.Errorf("set %s: %w", id, snaptypes.ErrNotFound)
	}

	return set, nil
}

func (r *Reconciler) reconcileLocked(name string, id snaptypes.SetID, inv inventory) (*snaptypes.Set, error) {
	release, err := r.registry.TryLock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	return r.reconcileRecord(id, inv)
}

// caller holds the lock. returns nil set if the record was removed.
func (r *Reconciler) reconcileRecord(id snaptypes.SetID, inv inventory) (*snaptypes.Set, error) {
	// re-read under lock, as the record we listed could have changed meanwhile
	set, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}

	if !reconcileMembers(set, inv.bySet[id], inv.unavailable) {
		return set, nil
	}

	if set.State == snaptypes.SetDeleted {
		r.log.Info.Printf("%s: no snapshots left, removing record", id)

		if err := r.registry.Delete(id); err != nil {
			return nil, err
		}

		return nil, nil
	}

	r.log.Info.Printf("%s: updated to %s", id, set.State)

	if err := r.registry.Put(set); err != nil {
		return nil, err
	}

	return set, nil
}

func (r *Reconciler) adopt(id snaptypes.SetID, snapshots []backendSnapshot) (bool, error) {
	name, timestamp, err := snaptypes.ParseSetID(string(id))
	if err != nil {
		return false, err
	}

	release, err := r.registry.TryLock(name)
	if err != nil {
		return false, err
	}
	defer release()

	// a record might have been written since we listed
	if _, err := r.registry.Get(id); err == nil {
		return false, nil
	} else if !snaptypes.IsNotFound(err) {
		return false, err
	}

	set := &snaptypes.Set{
		ID:        id,
		Name:      name,
		Timestamp: timestamp,
		UUID:      snaptypes.SetUUID(name, timestamp),
		Mode:      snaptypes.ModeAtomic,
		Created:   r.now(),
		Members:   []snaptypes.Member{},
	}

	reconcileMembers(set, snapshots, nil)

	r.log.Info.Printf("adopting %s with %d member(s)", id, len(set.Members))

	return true, r.registry.Put(set)
}

// reconcileMembers updates set to match backend. returns true if set changed.
func reconcileMembers(
	set *snaptypes.Set,
	backend []backendSnapshot,
	unavailable map[snaptypes.ProviderKind]error,
) bool {
	changed := false

	byID := lo.SliceToMap(backend, func(snap backendSnapshot) (string, backendSnapshot) {
		return snap.handle.ID, snap
	})
	claimed := map[string]bool{}

	for idx := range set.Members {
		member := &set.Members[idx]

		if _, skip := unavailable[member.Kind]; skip {
			continue
		}

		snap, exists := byID[member.Handle.ID]
		claimed[member.Handle.ID] = true

		switch {
		case exists && member.State != snaptypes.MemberCreated:
			member.State = snaptypes.MemberCreated
			member.Handle = snap.handle
			member.SizeBytes = snap.handle.SizeBytes
			member.Error = ""
			changed = true
		case exists && member.SizeBytes != snap.handle.SizeBytes: // resized
			member.Handle.SizeBytes = snap.handle.SizeBytes
			member.SizeBytes = snap.handle.SizeBytes
			changed = true
		case !exists && member.State != snaptypes.MemberDeleted:
			member.State = snaptypes.MemberDeleted
			member.AtRisk = false
			changed = true
		}
	}

	for _, snap := range backend {
		if claimed[snap.handle.ID] {
			continue
		}

		set.Members = append(set.Members, memberFromBackend(snap))
		changed = true
	}

	switch set.State {
	case snaptypes.SetCreating, snaptypes.SetReverting, snaptypes.SetDeleting, "":
		// left behind by an invocation that did not finish
		changed = true
	}

	if changed {
		set.State = snaptypes.DeriveState(set.Members)
	}

	return changed
}

func memberFromBackend(snap backendSnapshot) snaptypes.Member {
	member := snaptypes.Member{
		Origin:    snap.handle.Origin,
		Kind:      snap.handle.Kind,
		Handle:    snap.handle,
		SizeBytes: snap.handle.SizeBytes,
		State:     snaptypes.MemberCreated,
	}

	if strings.HasPrefix(snap.parsed.Source, "/dev/") {
		member.Device = snap.parsed.Source
	} else {
		member.MountPoint = snap.parsed.Source
	}

	return member
}

func originName(origin string) string {
	return origin[strings.LastIndex(origin, "/")+1:]
}
