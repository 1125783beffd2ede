package snapexec

// changes to existing sets: resize, rename/split, prune and autoactivation

import (
	"context"
	"fmt"

	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/samber/lo"
)

// Resize grows members as planned. growing can't be undone, so a failing member doesn't
// stop the others and nothing is rolled back. the record follows every successful step.
func (e *Executor) Resize(ctx context.Context, id snaptypes.SetID, steps []snaptypes.PlannedResize) (*snaptypes.Set, error) {
	withErr := func(err error) error {
		return snaptypes.WrapOp("resize", string(id), err)
	}

	set, err := e.modifiableSet(id)
	if err != nil {
		return nil, withErr(err)
	}

	failures := []snaptypes.MemberFailure{}

	for _, step := range steps {
		if step.Member < 0 || step.Member >= len(set.Members) {
			return nil, withErr(fmt.Errorf("%w: no member #%d", snaptypes.ErrInvalidRequest, step.Member))
		}

		member := &set.Members[step.Member]

		if err := ctx.Err(); err != nil {
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			continue
		}

		provider, err := e.providers.Get(member.Kind)
		if err == nil {
			err = provider.ResizeSnapshot(ctx, member.Handle, step.ToBytes)
		}

		if err != nil {
			e.log.Error.Printf("%s: resizing %s: %v", set.ID, member.Handle.ID, err)
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			continue
		}

		member.SizeBytes = step.ToBytes
		member.Handle.SizeBytes = step.ToBytes
		member.AtRisk = false

		if err := e.store.Put(set); err != nil {
			return nil, withErr(err)
		}

		e.log.Info.Printf("%s: resized %s to %d bytes", set.ID, member.Handle.ID, step.ToBytes)
	}

	if len(failures) > 0 {
		return set, withErr(&snaptypes.PartialFailureError{Op: "resize", Failures: failures})
	}

	return set, nil
}

// Rename moves every created member of a set to a set named newName, keeping the
// timestamp. the caller holds the locks of both names.
func (e *Executor) Rename(ctx context.Context, id snaptypes.SetID, newName string) (*snaptypes.Set, error) {
	return e.move(ctx, "rename", id, newName, nil)
}

// Split moves the members of sources to a new set named newName. the rest stay in the
// original set. the caller holds the locks of both names.
func (e *Executor) Split(ctx context.Context, id snaptypes.SetID, newName string, sources []string) (*snaptypes.Set, error) {
	if len(sources) == 0 {
		return nil, snaptypes.WrapOp("split", string(id), fmt.Errorf("%w: no sources to split off", snaptypes.ErrInvalidRequest))
	}

	return e.move(ctx, "split", id, newName, sources)
}

// renames snapshots one by one. the target record is written ahead with pending members and
// both records are updated after each rename, so reconciliation can finish an interrupted move.
// a failed rename renames the already moved snapshots back in reverse order.
func (e *Executor) move(
	ctx context.Context,
	op string,
	id snaptypes.SetID,
	newName string,
	sources []string,
) (*snaptypes.Set, error) {
	withErr := func(err error) error {
		return snaptypes.WrapOp(op, string(id), err)
	}

	if err := snaptypes.ValidateSetName(newName); err != nil {
		return nil, withErr(err)
	}

	set, err := e.modifiableSet(id)
	if err != nil {
		return nil, withErr(err)
	}

	if newName == set.Name {
		return nil, withErr(fmt.Errorf("%w: set is already named %s", snaptypes.ErrInvalidRequest, newName))
	}

	moving := set.CreatedMembers()
	if sources != nil {
		if moving, err = selectMembers(set, sources); err != nil {
			return nil, withErr(err)
		}
	}

	if len(moving) == 0 {
		return nil, withErr(fmt.Errorf("%w: set has no snapshots to move", snaptypes.ErrInvalidState))
	}

	for _, idx := range moving {
		member := set.Members[idx]

		if member.State != snaptypes.MemberCreated {
			return nil, withErr(fmt.Errorf("%w: member %s is %s", snaptypes.ErrInvalidState, member.Source(), member.State))
		}

		provider, err := e.providers.Get(member.Kind)
		if err != nil {
			return nil, withErr(err)
		}

		if err := snapprovider.RequireCapability(provider, snaptypes.CapRename); err != nil {
			return nil, withErr(fmt.Errorf("member %s: %w", member.Source(), err))
		}
	}

	target := &snaptypes.Set{
		ID:           snaptypes.NewSetID(newName, set.Timestamp),
		Name:         newName,
		Timestamp:    set.Timestamp,
		UUID:         snaptypes.SetUUID(newName, set.Timestamp),
		Tag:          set.Tag,
		Mode:         set.Mode,
		Autoactivate: set.Autoactivate,
		State:        snaptypes.SetCreating,
		Created:      e.now(),
		Members:      make([]snaptypes.Member, 0, len(moving)),
	}

	for _, idx := range moving {
		member := set.Members[idx]
		member.Handle = member.HandleForSet(newName, set.Timestamp)
		member.State = snaptypes.MemberPending
		member.Error = ""

		target.Members = append(target.Members, member)
	}

	if err := e.store.Put(target); err != nil {
		return nil, withErr(err)
	}

	original := make([]snaptypes.MemberHandle, len(set.Members))
	for idx, member := range set.Members {
		original[idx] = member.Handle
	}

	moved := 0
	var cause error

	for pos, idx := range moving {
		member := &set.Members[idx]

		if err := ctx.Err(); err != nil {
			cause = err
			break
		}

		provider, _ := e.providers.Get(member.Kind) // checked above

		handle, err := provider.RenameSnapshot(ctx, member.Handle, target.Members[pos].Handle.Name)
		if err != nil {
			e.log.Error.Printf("%s: renaming %s: %v", set.ID, member.Handle.ID, err)
			cause = &snaptypes.PartialFailureError{
				Op:       op,
				Failures: []snaptypes.MemberFailure{{Member: member.Source(), Err: err}},
			}
			break
		}

		target.Members[pos].Handle = handle
		target.Members[pos].State = snaptypes.MemberCreated
		member.State = snaptypes.MemberDeleted
		moved++

		if err := e.store.Put(target); err != nil {
			cause = err
			break
		}

		if err := e.store.Put(set); err != nil {
			cause = err
			break
		}
	}

	if cause != nil {
		return nil, withErr(e.unmove(set, target, moving[:moved], original, cause))
	}

	target.State = snaptypes.DeriveState(target.Members)
	if err := e.store.Put(target); err != nil {
		return nil, withErr(err)
	}

	remaining := []snaptypes.Member{}
	for idx, member := range set.Members {
		if !lo.Contains(moving, idx) {
			remaining = append(remaining, member)
		}
	}

	if !lo.ContainsBy(remaining, func(member snaptypes.Member) bool { return isCreated(member, 0) }) {
		if err := e.store.Delete(set.ID); err != nil {
			return nil, withErr(err)
		}
	} else {
		set.Members = remaining
		set.State = snaptypes.DeriveState(remaining)
		if err := e.store.Put(set); err != nil {
			return nil, withErr(err)
		}
	}

	e.log.Info.Printf("%s: moved %d member(s) to %s", set.ID, len(moving), target.ID)

	return target, nil
}

// renames moved members back. whatever could not be renamed back stays recorded in target.
func (e *Executor) unmove(
	set *snaptypes.Set,
	target *snaptypes.Set,
	moved []int,
	original []snaptypes.MemberHandle,
	cause error,
) error {
	// must run to completion even if the caller gave up
	ctx := context.Background()

	leftovers := 0

	for pos := len(moved) - 1; pos >= 0; pos-- {
		idx := moved[pos]
		member := &set.Members[idx]
		targetMember := &target.Members[pos]

		provider, err := e.providers.Get(member.Kind)
		if err == nil {
			_, err = provider.RenameSnapshot(ctx, targetMember.Handle, original[idx].Name)
		}

		if err != nil {
			e.log.Error.Printf("%s: renaming %s back failed: %v", set.ID, targetMember.Handle.ID, err)
			leftovers++
			continue
		}

		member.State = snaptypes.MemberCreated
		targetMember.State = snaptypes.MemberDeleted
	}

	set.State = snaptypes.DeriveState(set.Members)
	if err := e.store.Put(set); err != nil {
		return fmt.Errorf("%w; restoring record: %v", cause, err)
	}

	if leftovers == 0 {
		if err := e.store.Delete(target.ID); err != nil {
			return fmt.Errorf("%w; removing record of %s: %v", cause, target.ID, err)
		}

		return cause
	}

	target.Members = lo.Filter(target.Members, isCreated)
	target.State = snaptypes.DeriveState(target.Members)
	target.Error = fmt.Sprintf("%v; left here by failed rollback", cause)
	if err := e.store.Put(target); err != nil {
		return fmt.Errorf("%w; recording failed rollback: %v", cause, err)
	}

	return fmt.Errorf("%w; %d snapshot(s) left in %s by failed rollback", cause, leftovers, target.ID)
}

// Prune deletes the members of sources and drops them from the set. members already gone are
// fine. at least one created member has to remain; use Delete to remove the whole set.
func (e *Executor) Prune(ctx context.Context, id snaptypes.SetID, sources []string) (*snaptypes.Set, error) {
	withErr := func(err error) error {
		return snaptypes.WrapOp("prune", string(id), err)
	}

	if len(sources) == 0 {
		return nil, withErr(fmt.Errorf("%w: no sources to prune", snaptypes.ErrInvalidRequest))
	}

	set, err := e.modifiableSet(id)
	if err != nil {
		return nil, withErr(err)
	}

	pruning, err := selectMembers(set, sources)
	if err != nil {
		return nil, withErr(err)
	}

	survivors := 0
	for _, idx := range set.CreatedMembers() {
		if !lo.Contains(pruning, idx) {
			survivors++
		}
	}

	if survivors == 0 {
		return nil, withErr(fmt.Errorf("%w: pruning would leave the set empty; delete it instead", snaptypes.ErrInvalidRequest))
	}

	failures := []snaptypes.MemberFailure{}

	for _, idx := range pruning {
		member := &set.Members[idx]

		if member.State == snaptypes.MemberDeleted {
			continue
		}

		if err := ctx.Err(); err != nil {
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			continue
		}

		if member.State == snaptypes.MemberCreated {
			if err := e.deleteMember(ctx, member); err != nil {
				failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
				continue
			}
		} else {
			member.State = snaptypes.MemberDeleted
		}

		if err := e.store.Put(set); err != nil {
			return nil, withErr(err)
		}
	}

	// members that failed to delete stay, so they can be pruned again
	remaining := []snaptypes.Member{}
	for idx, member := range set.Members {
		if lo.Contains(pruning, idx) && member.State == snaptypes.MemberDeleted {
			continue
		}

		remaining = append(remaining, member)
	}

	set.Members = remaining
	set.State = snaptypes.DeriveState(remaining)
	set.Error = ""

	var cause error
	if len(failures) > 0 {
		cause = &snaptypes.PartialFailureError{Op: "prune", Failures: failures}
		set.Error = cause.Error()
	}

	if err := e.store.Put(set); err != nil {
		return nil, withErr(err)
	}

	e.log.Info.Printf("%s: pruned to %d member(s)", set.ID, len(set.Members))

	return set, withErr(cause)
}

// SetAutoactivate changes whether the set's snapshots are activated on boot. if a member
// fails, members already changed are changed back.
func (e *Executor) SetAutoactivate(ctx context.Context, id snaptypes.SetID, auto bool) (*snaptypes.Set, error) {
	withErr := func(err error) error {
		return snaptypes.WrapOp("autoactivate", string(id), err)
	}

	set, err := e.modifiableSet(id)
	if err != nil {
		return nil, withErr(err)
	}

	if err := e.requireCapability(set, snaptypes.CapAutoactivate); err != nil {
		return nil, withErr(err)
	}

	applied := []int{}

	for _, idx := range set.CreatedMembers() {
		member := &set.Members[idx]

		provider, err := e.providers.Get(member.Kind)
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = provider.SetAutoactivate(ctx, member.Handle, auto)
		}

		if err != nil {
			cause := &snaptypes.PartialFailureError{
				Op:       "autoactivate",
				Failures: []snaptypes.MemberFailure{{Member: member.Source(), Err: err}},
			}

			e.restoreAutoactivate(set, applied)

			return nil, withErr(cause)
		}

		applied = append(applied, idx)
	}

	set.Autoactivate = auto
	if err := e.store.Put(set); err != nil {
		return nil, withErr(err)
	}

	return set, nil
}

func (e *Executor) restoreAutoactivate(set *snaptypes.Set, applied []int) {
	ctx := context.Background()

	for i := len(applied) - 1; i >= 0; i-- {
		member := set.Members[applied[i]]

		provider, err := e.providers.Get(member.Kind)
		if err == nil {
			err = provider.SetAutoactivate(ctx, member.Handle, set.Autoactivate)
		}

		if err != nil {
			e.log.Error.Printf("%s: restoring autoactivation of %s: %v", set.ID, member.Handle.ID, err)
		}
	}
}

// sets that are not mid-operation and still have snapshots
func (e *Executor) modifiableSet(id snaptypes.SetID) (*snaptypes.Set, error) {
	set, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	if set.State.Busy() {
		return nil, fmt.Errorf("%w: set is %s", snaptypes.ErrBusy, set.State)
	}

	if set.State != snaptypes.SetActive && set.State != snaptypes.SetPartial {
		return nil, fmt.Errorf("%w: set is %s", snaptypes.ErrInvalidState, set.State)
	}

	return set, nil
}

// member indices for sources, in the order given
func selectMembers(set *snaptypes.Set, sources []string) ([]int, error) {
	selected := []int{}

	for _, source := range sources {
		idx, err := set.MemberBySource(source)
		if err != nil {
			return nil, err
		}

		if lo.Contains(selected, idx) {
			return nil, fmt.Errorf("%w: %s given twice", snaptypes.ErrInvalidRequest, source)
		}

		selected = append(selected, idx)
	}

	return selected, nil
}

func isCreated(member snaptypes.Member, _ int) bool {
	return member.State == snaptypes.MemberCreated
}
