package snapcli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/function61/snapset/pkg/duration"
	"github.com/function61/snapset/pkg/snapdb"
	"github.com/function61/snapset/pkg/snapgc"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

// Entrypoints returns the subcommands. flags are shared via the root's persistent flags.
func Entrypoints(root *cobra.Command) []*cobra.Command {
	global := &globalFlags{}

	root.PersistentFlags().StringVarP(&global.configPath, "config", "c", "/etc/snapset/config.json", "Path to config file")
	root.PersistentFlags().BoolVarP(&global.verbose, "verbose", "v", false, "Log what's being done to stderr")

	return []*cobra.Command{
		createEntrypoint(global),
		listEntrypoint(global),
		showEntrypoint(global),
		deleteEntrypoint(global),
		revertEntrypoint(global),
		activateEntrypoint(global, true),
		activateEntrypoint(global, false),
		resizeEntrypoint(global),
		renameEntrypoint(global),
		splitEntrypoint(global),
		pruneEntrypoint(global),
		autoactivateEntrypoint(global),
		autoextendEntrypoint(global),
		gcEntrypoint(global),
		reconcileEntrypoint(global),
		scheduleEntrypoint(global),
		daemonEntrypoint(global),
	}
}

func createEntrypoint(global *globalFlags) *cobra.Command {
	req := snaptypes.Request{}
	partial := false
	dryRun := false

	cmd := &cobra.Command{
		Use:   "create [name] [source[:policy]] ...",
		Short: "Creates a snapshot set of one or more mount points or block devices",
		Long: `Sources are mount points or block devices. Optional size policy is one of:
  10%SIZE   percentage of the origin's size
  25%FREE   percentage of the space pool's free space
  150%USED  percentage of the filesystem's used space
  2G        fixed size`,
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				req.Name = args[0]
				req.Sources = []snaptypes.SourceSpec{}
				for _, arg := range args[1:] {
					spec, err := snaptypes.ParseSourceSpec(arg)
					if err != nil {
						return err
					}

					req.Sources = append(req.Sources, spec)
				}

				if partial {
					req.Mode = snaptypes.ModePartial
				}

				if dryRun {
					plan, err := a.manager.Plan(ctx, req)
					if err != nil {
						return err
					}

					renderPlan(os.Stdout, plan)
					return nil
				}

				set, err := a.manager.PlanAndCreate(ctx, req)
				if set != nil {
					renderSet(os.Stdout, *set, time.Now(), stdoutIsTerminal())
				}

				return err
			})
		},
	}

	cmd.Flags().StringVarP(&req.Tag, "tag", "t", req.Tag, "Tag for grouping sets under a retention policy")
	cmd.Flags().BoolVarP(&req.Autoactivate, "autoactivate", "", req.Autoactivate, "Activate snapshots automatically on boot")
	cmd.Flags().BoolVarP(&partial, "partial", "", partial, "Keep the members that succeeded if some fail")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", dryRun, "Only show what would be created")

	return cmd
}

func listEntrypoint(global *globalFlags) *cobra.Command {
	filter := snapdb.Filter{}
	states := []string{}

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Lists snapshot sets",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				for _, state := range states {
					filter.States = append(filter.States, snaptypes.SetState(state))
				}

				sets, err := a.manager.List(ctx, filter)
				if err != nil {
					return err
				}

				renderSets(os.Stdout, sets, time.Now(), stdoutIsTerminal())

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&filter.Name, "name", "", filter.Name, "Only sets with this name")
	cmd.Flags().StringVarP(&filter.Tag, "tag", "t", filter.Tag, "Only sets with this tag")
	cmd.Flags().StringSliceVarP(&states, "state", "s", states, "Only sets in these states")
	cmd.Flags().StringVarP(&filter.Expr, "filter", "f", filter.Expr, `Filter expression, like 'AgeHours > 24 && Tag == "nightly"'`)

	return cmd
}

func showEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Shows details of a snapshot set",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				set, err := a.manager.Get(ctx, snaptypes.SetID(args[0]))
				if err != nil {
					return err
				}

				renderSet(os.Stdout, *set, time.Now(), stdoutIsTerminal())

				return nil
			})
		},
	}
}

func deleteEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete [id] ...",
		Aliases: []string{"rm"},
		Short:   "Deletes snapshot sets",
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				for _, id := range args {
					if err := a.manager.Delete(ctx, snaptypes.SetID(id)); err != nil {
						return err
					}

					fmt.Printf("deleted %s\n", id)
				}

				return nil
			})
		},
	}
}

func revertEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "revert [id]",
		Short: "Reverts origins to the snapshot set's content (completes on next activation/reboot)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				set, err := a.manager.Revert(ctx, snaptypes.SetID(args[0]))
				if err != nil {
					return err
				}

				fmt.Printf("revert of %s scheduled for %d member(s)\n", set.ID, len(set.Members))

				return nil
			})
		},
	}
}

func activateEntrypoint(global *globalFlags, active bool) *cobra.Command {
	use, short := "activate", "Activates snapshot devices of a set"
	if !active {
		use, short = "deactivate", "Deactivates snapshot devices of a set"
	}

	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				_, err := a.manager.Activate(ctx, snaptypes.SetID(args[0]), active)
				return err
			})
		},
	}
}

func resizeEntrypoint(global *globalFlags) *cobra.Command {
	sizePolicy := ""

	cmd := &cobra.Command{
		Use:   "resize [id] [source[:policy]] ...",
		Short: "Grows snapshots of a set (all of them if no sources given)",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				specs := []snaptypes.SourceSpec{}
				for _, arg := range args[1:] {
					spec, err := snaptypes.ParseSourceSpec(arg)
					if err != nil {
						return err
					}

					specs = append(specs, spec)
				}

				var defaultPolicy *snaptypes.SizePolicy
				if sizePolicy != "" {
					var err error
					if defaultPolicy, err = snaptypes.ParseSizePolicy(sizePolicy); err != nil {
						return err
					}
				}

				set, err := a.manager.Resize(ctx, snaptypes.SetID(args[0]), specs, defaultPolicy)
				if set != nil {
					renderSet(os.Stdout, *set, time.Now(), stdoutIsTerminal())
				}

				return err
			})
		},
	}

	cmd.Flags().StringVarP(&sizePolicy, "size-policy", "", sizePolicy, "Size policy for sources without one of their own")

	return cmd
}

func renameEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename [id] [new name]",
		Short: "Renames a snapshot set",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				set, err := a.manager.Rename(ctx, snaptypes.SetID(args[0]), args[1])
				if err != nil {
					return err
				}

				fmt.Printf("renamed %s to %s\n", args[0], set.ID)

				return nil
			})
		},
	}
}

func splitEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "split [id] [new name] [source] ...",
		Short: "Moves members of a set to a new set",
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				set, err := a.manager.Split(ctx, snaptypes.SetID(args[0]), args[1], args[2:])
				if err != nil {
					return err
				}

				renderSet(os.Stdout, *set, time.Now(), stdoutIsTerminal())

				return nil
			})
		},
	}
}

func pruneEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune [id] [source] ...",
		Short: "Deletes some members of a set",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				set, err := a.manager.Prune(ctx, snaptypes.SetID(args[0]), args[1:])
				if set != nil {
					renderSet(os.Stdout, *set, time.Now(), stdoutIsTerminal())
				}

				return err
			})
		},
	}
}

func autoactivateEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "autoactivate [id] [on|off]",
		Short: "Sets whether snapshots of a set are activated on boot",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				auto, err := parseOnOff(args[1])
				if err != nil {
					return err
				}

				_, err = a.manager.SetAutoactivate(ctx, snaptypes.SetID(args[0]), auto)
				return err
			})
		},
	}
}

func parseOnOff(value string) (bool, error) {
	switch value {
	case "on", "yes", "true":
		return true, nil
	case "off", "no", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on|off; got '%s'", snaptypes.ErrInvalidRequest, value)
	}
}

func autoextendEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "autoextend",
		Short: "Grows snapshots that are running out of space",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				warnings, err := a.manager.RunAutoextend(ctx)
				renderWarnings(os.Stderr, warnings)
				return err
			})
		},
	}
}

func gcEntrypoint(global *globalFlags) *cobra.Command {
	policy := snapgc.Policy{}
	timeline := snapgc.Timeline{}
	keepAge := ""
	dryRun := false

	cmd := &cobra.Command{
		Use:   "gc [tag]",
		Short: "Deletes sets of a tag that the given retention policy doesn't keep",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				policy.Tag = args[0]

				if keepAge != "" {
					var err error
					if policy.KeepAge, err = duration.Parse(keepAge); err != nil {
						return err
					}
				}

				if timeline != (snapgc.Timeline{}) {
					policy.Timeline = &timeline
				}

				if dryRun {
					candidates, err := a.manager.GCCandidates(policy)
					if err != nil {
						return err
					}

					for _, candidate := range candidates {
						fmt.Printf("would delete %s\n", candidate.ID)
					}

					return nil
				}

				deleted, warnings, err := a.manager.RunGC(ctx, policy)
				for _, id := range deleted {
					fmt.Printf("deleted %s\n", id)
				}

				renderWarnings(os.Stderr, warnings)

				return err
			})
		},
	}

	cmd.Flags().IntVarP(&policy.KeepCount, "keep-count", "", policy.KeepCount, "Keep this many newest sets")
	cmd.Flags().StringVarP(&keepAge, "keep-age", "", keepAge, "Delete sets older than this (like 30d or 2w)")
	cmd.Flags().IntVarP(&timeline.Hourly, "hourly", "", 0, "Timeline: keep this many hourly sets")
	cmd.Flags().IntVarP(&timeline.Daily, "daily", "", 0, "Timeline: keep this many daily sets")
	cmd.Flags().IntVarP(&timeline.Weekly, "weekly", "", 0, "Timeline: keep this many weekly sets")
	cmd.Flags().IntVarP(&timeline.Monthly, "monthly", "", 0, "Timeline: keep this many monthly sets")
	cmd.Flags().IntVarP(&timeline.Quarterly, "quarterly", "", 0, "Timeline: keep this many quarterly sets")
	cmd.Flags().IntVarP(&timeline.Yearly, "yearly", "", 0, "Timeline: keep this many yearly sets")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", dryRun, "Only show what would be deleted")

	return cmd
}

func reconcileEntrypoint(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Brings set records up to date with the storage backends, adopting unrecorded sets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				warnings, err := a.manager.Reconcile(ctx)
				renderWarnings(os.Stderr, warnings)
				return err
			})
		},
	}
}
