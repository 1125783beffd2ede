package snapdb

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/samber/lo"
)

// Filter selects sets. zero value matches everything. conditions are AND'ed.
type Filter struct {
	Name   string
	Tag    string
	States []snaptypes.SetState
	// boolean expression over the fields of FilterEnv, e.g. `AgeHours > 24 && Tag == "hourly"`
	Expr string
}

// FilterEnv is what Filter.Expr sees of a set
type FilterEnv struct {
	ID        string
	Name      string
	Tag       string
	State     string
	Members   int
	Sources   []string
	AtRisk    bool
	AgeHours  float64
	Timestamp int64 // unix seconds
}

func newFilterEnv(set snaptypes.Set, now time.Time) FilterEnv {
	return FilterEnv{
		ID:      string(set.ID),
		Name:    set.Name,
		Tag:     set.Tag,
		State:   string(set.State),
		Members: len(set.Members),
		Sources: lo.Map(set.Members, func(member snaptypes.Member, _ int) string {
			return member.Source()
		}),
		AtRisk: lo.SomeBy(set.Members, func(member snaptypes.Member) bool {
			return member.AtRisk
		}),
		AgeHours:  set.Age(now).Hours(),
		Timestamp: set.Timestamp.Unix(),
	}
}

func (f Filter) compile() (func(snaptypes.Set, time.Time) (bool, error), error) {
	var program *vm.Program
	if f.Expr != "" {
		var err error
		program, err = expr.Compile(f.Expr, expr.Env(FilterEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: filter '%s': %v", snaptypes.ErrInvalidRequest, f.Expr, err)
		}
	}

	return func(set snaptypes.Set, now time.Time) (bool, error) {
		if f.Name != "" && set.Name != f.Name {
			return false, nil
		}

		if f.Tag != "" && set.Tag != f.Tag {
			return false, nil
		}

		if len(f.States) > 0 && !lo.Contains(f.States, set.State) {
			return false, nil
		}

		if program == nil {
			return true, nil
		}

		output, err := expr.Run(program, newFilterEnv(set, now))
		if err != nil {
			return false, fmt.Errorf("filter '%s' on %s: %w", f.Expr, set.ID, err)
		}

		return output.(bool), nil
	}, nil
}
