// Retention: deletes sets of a tag that a retention policy no longer keeps
package snapgc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snapdb"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/samber/lo"
)

type Registry interface {
	List(filter snapdb.Filter) ([]snaptypes.Set, error)
	TryLock(name string) (func(), error)
}

type Deleter interface {
	Delete(ctx context.Context, id snaptypes.SetID) error
}

type Collector struct {
	registry Registry
	deleter  Deleter
	log      *logex.Leveled
	now      func() time.Time
	loc      *time.Location // timeline periods are in local time
}

func New(registry Registry, deleter Deleter, logger *log.Logger) *Collector {
	return &Collector{
		registry: registry,
		deleter:  deleter,
		log:      logex.Levels(logex.Prefix("gc", logex.NonNil(logger))),
		now:      time.Now,
		loc:      time.Local,
	}
}

type Result struct {
	Deleted  []snaptypes.SetID
	Warnings []snaptypes.Warning
}

// Candidates returns the sets policy would delete now, oldest first. busy sets are not
// considered at all: they neither count toward retention nor get deleted.
func (c *Collector) Candidates(policy Policy) ([]snaptypes.Set, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	sets, err := c.registry.List(snapdb.Filter{Tag: policy.Tag})
	if err != nil {
		return nil, err
	}

	idle := lo.Filter(sets, func(set snaptypes.Set, _ int) bool {
		return !set.State.Busy()
	})

	return policy.Select(idle, c.now(), c.loc), nil
}

// Run deletes candidates oldest first. failure to delete one set is a warning and does not
// stop the others.
func (c *Collector) Run(ctx context.Context, policy Policy) (*Result, error) {
	candidates, err := c.Candidates(policy)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Deleted:  []snaptypes.SetID{},
		Warnings: []snaptypes.Warning{},
	}

	for _, set := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := c.delete(ctx, set); err != nil {
			if snaptypes.IsBusy(err) {
				c.log.Debug.Printf("skipping %s: %v", set.ID, err)
				continue
			}

			c.log.Error.Printf("deleting %s: %v", set.ID, err)

			result.Warnings = append(result.Warnings, snaptypes.Warning{
				SetID:   set.ID,
				Message: fmt.Sprintf("not deleted: %v", err),
			})
			continue
		}

		c.log.Info.Printf("deleted %s (policy %s)", set.ID, policy.Tag)

		result.Deleted = append(result.Deleted, set.ID)
	}

	return result, nil
}

func (c *Collector) delete(ctx context.Context, set snaptypes.Set) error {
	release, err := c.registry.TryLock(set.Name)
	if err != nil {
		return err
	}
	defer release()

	return c.deleter.Delete(ctx, set.ID)
}
