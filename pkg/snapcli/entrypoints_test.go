package snapcli

import (
	"errors"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/spf13/cobra"
)

func TestParseOnOff(t *testing.T) {
	on, err := parseOnOff("on")
	assert.Ok(t, err)
	assert.Assert(t, on)

	off, err := parseOnOff("no")
	assert.Ok(t, err)
	assert.Assert(t, !off)

	_, err = parseOnOff("maybe")
	assert.Assert(t, errors.Is(err, snaptypes.ErrInvalidRequest))
	assert.EqualString(t, err.Error(), "invalid request: expected on|off; got 'maybe'")
}

func TestSetModifyingSubcommandsExist(t *testing.T) {
	root := &cobra.Command{Use: "snapset"}
	root.AddCommand(Entrypoints(root)...)

	for _, args := range [][]string{
		{"resize", "nightly@1709294400", "/var:2G"},
		{"rename", "nightly@1709294400", "weekly"},
		{"split", "nightly@1709294400", "var-only", "/var"},
		{"prune", "nightly@1709294400", "/var"},
		{"autoactivate", "nightly@1709294400", "on"},
	} {
		cmd, rest, err := root.Find(args)
		assert.Ok(t, err)
		assert.EqualString(t, cmd.Name(), args[0])
		assert.Ok(t, cmd.ValidateArgs(rest))
	}

	rename, _, err := root.Find([]string{"rename"})
	assert.Ok(t, err)
	assert.Assert(t, rename.ValidateArgs([]string{"nightly@1709294400"}) != nil)

	prune, _, err := root.Find([]string{"prune"})
	assert.Ok(t, err)
	assert.Assert(t, prune.ValidateArgs([]string{"nightly@1709294400"}) != nil)
}
