package snapcli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/function61/snapset/pkg/byteshuman"
	"github.com/function61/snapset/pkg/duration"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
)

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// tables for humans, tab-separated values (no header) for scripts
func renderSets(out io.Writer, sets []snaptypes.Set, now time.Time, asTable bool) {
	rows := [][]string{}
	for _, set := range sets {
		rows = append(rows, []string{
			string(set.ID),
			string(set.State),
			dashIfEmpty(set.Tag),
			strconv.Itoa(len(set.Members)),
			byteshuman.Humanize(setSize(set)),
			duration.Humanize(set.Age(now)),
			atRiskSummary(set),
		})
	}

	renderRows(out, []string{"ID", "State", "Tag", "Members", "Size", "Age", "At risk"}, rows, asTable)
}

func renderSet(out io.Writer, set snaptypes.Set, now time.Time, asTable bool) {
	fmt.Fprintf(out, "ID:           %s\n", set.ID)
	fmt.Fprintf(out, "UUID:         %s\n", set.UUID)
	fmt.Fprintf(out, "State:        %s\n", set.State)
	fmt.Fprintf(out, "Tag:          %s\n", dashIfEmpty(set.Tag))
	fmt.Fprintf(out, "Mode:         %s\n", set.Mode)
	fmt.Fprintf(out, "Timestamp:    %s (%s ago)\n", set.Timestamp.Format(time.RFC3339), duration.Humanize(set.Age(now)))
	fmt.Fprintf(out, "Autoactivate: %v\n", set.Autoactivate)
	if set.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", set.Error)
	}
	fmt.Fprintln(out)

	rows := [][]string{}
	for _, member := range set.Members {
		state := string(member.State)
		if member.AtRisk {
			state += " (at risk)"
		}

		rows = append(rows, []string{
			member.Source(),
			string(member.Kind),
			member.Handle.ID,
			byteshuman.Humanize(member.SizeBytes),
			state,
		})
	}

	renderRows(out, []string{"Source", "Provider", "Snapshot", "Size", "State"}, rows, asTable)
}

func renderWarnings(out io.Writer, warnings []snaptypes.Warning) {
	for _, warning := range warnings {
		fmt.Fprintf(out, "WARNING: %s\n", warning.String())
	}
}

func renderRows(out io.Writer, header []string, rows [][]string, asTable bool) {
	if !asTable {
		for _, row := range rows {
			fmt.Fprintln(out, strings.Join(row, "\t"))
		}
		return
	}

	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)
	tbl.AppendBulk(rows)
	tbl.Render()
}

func setSize(set snaptypes.Set) uint64 {
	total := uint64(0)
	for _, member := range set.Members {
		if member.State == snaptypes.MemberCreated {
			total += member.SizeBytes
		}
	}

	return total
}

func atRiskSummary(set snaptypes.Set) string {
	atRisk := 0
	for _, member := range set.Members {
		if member.AtRisk {
			atRisk++
		}
	}

	if atRisk == 0 {
		return "-"
	}

	return strconv.Itoa(atRisk)
}

func dashIfEmpty(value string) string {
	if value == "" {
		return "-"
	}

	return value
}

func renderPlan(out io.Writer, plan snaptypes.Plan) {
	fmt.Fprintf(out, "would create %s (%s)\n", plan.SetID(), plan.Mode)

	rows := [][]string{}
	for _, member := range plan.Members {
		note := ""
		if member.Existing {
			note = "exists"
		}

		rows = append(rows, []string{
			member.Source.Source(),
			string(member.Source.Kind),
			member.TargetName,
			byteshuman.Humanize(member.SizeBytes),
			note,
		})
	}

	renderRows(out, []string{"Source", "Provider", "Snapshot", "Size", ""}, rows, true)
}
