// Runs plans and set transitions against the providers, persisting every state change before
// the next backend call
package snapexec

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
)

// Store is the subset of the registry the executor needs
type Store interface {
	Put(set *snaptypes.Set) error
	Get(id snaptypes.SetID) (*snaptypes.Set, error)
	Delete(id snaptypes.SetID) error
}

// Executor assumes the caller holds the set's lock for the duration of each call
type Executor struct {
	store     Store
	providers snapprovider.Set
	log       *logex.Leveled
	now       func() time.Time
}

func New(store Store, providers snapprovider.Set, logger *log.Logger) *Executor {
	return &Executor{
		store:     store,
		providers: providers,
		log:       logex.Levels(logex.Prefix("snapexec", logex.NonNil(logger))),
		now:       time.Now,
	}
}

// Create executes plan. atomic mode: any member failure rolls back the members created so far
// and no set remains. partial mode: successful members are kept and a set is returned along
// with a PartialFailureError.
func (e *Executor) Create(ctx context.Context, plan snaptypes.Plan) (*snaptypes.Set, error) {
	set := snaptypes.NewSetFromPlan(plan, e.now())

	withErr := func(err error) error {
		return snaptypes.WrapOp("create", string(set.ID), err)
	}

	// write-ahead: a crash from now on leaves a record that reconciliation can finish
	if err := e.store.Put(set); err != nil {
		return nil, withErr(err)
	}

	failures := []snaptypes.MemberFailure{}

	for idx := range set.Members {
		member := &set.Members[idx]

		if err := ctx.Err(); err != nil {
			// not attempted
			member.State = snaptypes.MemberFailed
			member.Error = fmt.Sprintf("skipped: %v", err)
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			continue
		}

		if err := e.createMember(ctx, set, idx, plan.Members[idx]); err != nil {
			member.State = snaptypes.MemberFailed
			member.Error = err.Error()
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})

			e.log.Error.Printf("%s: creating member %s: %v", set.ID, member.Source(), err)

			if set.Mode != snaptypes.ModePartial {
				break
			}
		}

		if err := e.store.Put(set); err != nil {
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			break
		}
	}

	if len(failures) == 0 {
		set.State = snaptypes.SetActive
		if err := e.store.Put(set); err != nil {
			return nil, withErr(err)
		}

		e.log.Info.Printf("%s: created with %d member(s)", set.ID, len(set.Members))

		return set, nil
	}

	cause := &snaptypes.PartialFailureError{Op: "create", Failures: failures}

	if set.Mode == snaptypes.ModePartial && len(set.CreatedMembers()) > 0 {
		set.State = snaptypes.DeriveState(set.Members)
		set.Error = cause.Error()
		if err := e.store.Put(set); err != nil {
			return nil, withErr(err)
		}

		e.log.Info.Printf(
			"%s: kept %d of %d member(s)",
			set.ID,
			len(set.CreatedMembers()),
			len(set.Members))

		return set, withErr(cause)
	}

	return nil, withErr(e.rollback(set, failures[0].Err))
}

func (e *Executor) createMember(
	ctx context.Context,
	set *snaptypes.Set,
	idx int,
	planned snaptypes.PlannedMember,
) error {
	member := &set.Members[idx]

	provider, err := e.providers.Get(member.Kind)
	if err != nil {
		return err
	}

	handle, err := provider.CreateSnapshot(ctx, planned.Source, planned.TargetName, planned.SizeBytes)
	if err != nil {
		return err
	}

	member.Handle = handle
	member.State = snaptypes.MemberCreated
	member.Error = ""

	if provider.Capabilities().Autoactivate {
		if err := provider.SetAutoactivate(ctx, handle, set.Autoactivate); err != nil {
			// the snapshot itself is fine
			e.log.Error.Printf("%s: setting autoactivation of %s: %v", set.ID, handle.ID, err)
			member.Error = fmt.Sprintf("autoactivation not set: %v", err)
		}
	}

	return nil
}

// deletes created members in reverse order. returns cause if the set is gone without trace.
// if a delete fails the record is kept as failed so the leftover can be deleted later.
func (e *Executor) rollback(set *snaptypes.Set, cause error) error {
	// rollback must run to completion even if the caller gave up
	ctx := context.Background()

	created := set.CreatedMembers()
	leftovers := 0

	for i := len(created) - 1; i >= 0; i-- {
		member := &set.Members[created[i]]

		e.log.Info.Printf("%s: rolling back %s", set.ID, member.Handle.ID)

		if err := e.deleteMember(ctx, member); err != nil {
			e.log.Error.Printf("%s: rollback of %s failed: %v", set.ID, member.Handle.ID, err)
			leftovers++
		}
	}

	if leftovers == 0 {
		if err := e.store.Delete(set.ID); err != nil {
			return fmt.Errorf("%w; removing record: %v", cause, err)
		}

		return cause
	}

	set.State = snaptypes.SetFailed
	set.Error = fmt.Sprintf("%v; %d snapshot(s) left behind by failed rollback", cause, leftovers)
	if err := e.store.Put(set); err != nil {
		return fmt.Errorf("%w; recording failed rollback: %v", cause, err)
	}

	return fmt.Errorf("%w; %d snapshot(s) left behind by failed rollback", cause, leftovers)
}

// Revert reverts every member of an active set to its snapshot. capabilities are checked for
// every member before anything is touched.
func (e *Executor) Revert(ctx context.Context, id snaptypes.SetID) (*snaptypes.Set, error) {
	withErr := func(err error) error {
		return snaptypes.WrapOp("revert", string(id), err)
	}

	set, err := e.store.Get(id)
	if err != nil {
		return nil, withErr(err)
	}

	if set.State != snaptypes.SetActive {
		return nil, withErr(fmt.Errorf("%w: set is %s, only active sets can be reverted", snaptypes.ErrInvalidState, set.State))
	}

	if err := e.requireCapability(set, snaptypes.CapRevert); err != nil {
		return nil, withErr(err)
	}

	set.State = snaptypes.SetReverting
	if err := e.store.Put(set); err != nil {
		return nil, withErr(err)
	}

	failures := e.forEachCreated(ctx, set, func(provider snapprovider.Provider, member *snaptypes.Member) error {
		return provider.RevertSnapshot(ctx, member.Handle)
	})

	if len(failures) == 0 {
		set.State = snaptypes.SetActive
		set.Error = ""
		if err := e.store.Put(set); err != nil {
			return nil, withErr(err)
		}

		e.log.Info.Printf("%s: revert scheduled for %d member(s)", set.ID, len(set.Members))

		return set, nil
	}

	cause := &snaptypes.PartialFailureError{Op: "revert", Failures: failures}

	set.State = snaptypes.SetFailed
	set.Error = cause.Error()
	if err := e.store.Put(set); err != nil {
		return nil, withErr(err)
	}

	return set, withErr(cause)
}

// Delete deletes every member still present and then the record. members already gone are
// fine. on failure the record stays in "deleting" so deletion can be retried.
func (e *Executor) Delete(ctx context.Context, id snaptypes.SetID) error {
	withErr := func(err error) error {
		return snaptypes.WrapOp("delete", string(id), err)
	}

	set, err := e.store.Get(id)
	if err != nil {
		return withErr(err)
	}

	if set.State.Busy() {
		return withErr(fmt.Errorf("%w: set is %s", snaptypes.ErrBusy, set.State))
	}

	set.State = snaptypes.SetDeleting
	if err := e.store.Put(set); err != nil {
		return withErr(err)
	}

	failures := []snaptypes.MemberFailure{}

	for idx := range set.Members {
		member := &set.Members[idx]

		if member.State == snaptypes.MemberDeleted {
			continue
		}

		if err := ctx.Err(); err != nil {
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			continue
		}

		if err := e.deleteMember(ctx, member); err != nil {
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
		}

		if err := e.store.Put(set); err != nil {
			return withErr(err)
		}
	}

	if len(failures) > 0 {
		cause := &snaptypes.PartialFailureError{Op: "delete", Failures: failures}

		set.Error = cause.Error()
		if err := e.store.Put(set); err != nil {
			return withErr(err)
		}

		return withErr(cause)
	}

	if err := e.store.Delete(set.ID); err != nil {
		return withErr(err)
	}

	e.log.Info.Printf("%s: deleted", set.ID)

	return nil
}

// Activate activates or deactivates the snapshot devices of a set
func (e *Executor) Activate(ctx context.Context, id snaptypes.SetID, active bool) (*snaptypes.Set, error) {
	op := "activate"
	if !active {
		op = "deactivate"
	}

	withErr := func(err error) error {
		return snaptypes.WrapOp(op, string(id), err)
	}

	set, err := e.store.Get(id)
	if err != nil {
		return nil, withErr(err)
	}

	if set.State != snaptypes.SetActive && set.State != snaptypes.SetPartial {
		return nil, withErr(fmt.Errorf("%w: set is %s", snaptypes.ErrInvalidState, set.State))
	}

	if err := e.requireCapability(set, snaptypes.CapActivate); err != nil {
		return nil, withErr(err)
	}

	failures := e.forEachCreated(ctx, set, func(provider snapprovider.Provider, member *snaptypes.Member) error {
		return provider.Activate(ctx, member.Handle, active)
	})

	if len(failures) > 0 {
		return set, withErr(&snaptypes.PartialFailureError{Op: op, Failures: failures})
	}

	return set, nil
}

func (e *Executor) deleteMember(ctx context.Context, member *snaptypes.Member) error {
	provider, err := e.providers.Get(member.Kind)
	if err != nil {
		member.Error = err.Error()
		return err
	}

	if err := provider.DeleteSnapshot(ctx, member.Handle); err != nil && !snaptypes.IsNotFound(err) {
		member.Error = err.Error()
		return err
	}

	member.State = snaptypes.MemberDeleted
	member.AtRisk = false
	member.Error = ""

	return nil
}

func (e *Executor) requireCapability(set *snaptypes.Set, capability snaptypes.Capability) error {
	for _, idx := range set.CreatedMembers() {
		provider, err := e.providers.Get(set.Members[idx].Kind)
		if err != nil {
			return err
		}

		if err := snapprovider.RequireCapability(provider, capability); err != nil {
			return fmt.Errorf("member %s: %w", set.Members[idx].Source(), err)
		}
	}

	return nil
}

// runs fn sequentially for created members. failures do not stop the remaining members.
func (e *Executor) forEachCreated(
	ctx context.Context,
	set *snaptypes.Set,
	fn func(snapprovider.Provider, *snaptypes.Member) error,
) []snaptypes.MemberFailure {
	failures := []snaptypes.MemberFailure{}

	for _, idx := range set.CreatedMembers() {
		member := &set.Members[idx]

		if err := ctx.Err(); err != nil {
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
			continue
		}

		provider, err := e.providers.Get(member.Kind)
		if err == nil {
			err = fn(provider, member)
		}

		if err != nil {
			member.Error = err.Error()
			failures = append(failures, snaptypes.MemberFailure{Member: member.Source(), Err: err})
		}
	}

	return failures
}
