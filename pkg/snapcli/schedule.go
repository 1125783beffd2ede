package snapcli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/function61/snapset/pkg/snapconfig"
	"github.com/function61/snapset/pkg/snapdaemon"
	"github.com/spf13/cobra"
)

func scheduleEntrypoint(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Configured schedules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists configured schedules",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				schedules, err := snapconfig.LoadSchedules(a.conf.SchedulesFile)
				if err != nil {
					return err
				}

				rows := [][]string{}
				for _, schedule := range schedules.Schedules {
					rows = append(rows, []string{
						schedule.Name,
						schedule.Calendar,
						strings.Join(schedule.Sources, " "),
						retentionSummary(schedule),
					})
				}

				renderRows(os.Stdout, []string{"Name", "Calendar", "Sources", "Retention"}, rows, stdoutIsTerminal())

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run [name]",
		Short: "Creates a set from the schedule now and applies its retention",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(&global.configPath, &global.verbose, func(ctx context.Context, a *app) error {
				schedules, err := snapconfig.LoadSchedules(a.conf.SchedulesFile)
				if err != nil {
					return err
				}

				schedule, err := schedules.Find(args[0])
				if err != nil {
					return err
				}

				result, err := snapdaemon.RunSchedule(ctx, a.manager, *schedule, time.Now())
				if result != nil {
					if result.Set != nil {
						fmt.Printf("created %s (%s)\n", result.Set.ID, result.Set.State)
					}

					for _, id := range result.Deleted {
						fmt.Printf("deleted %s\n", id)
					}

					renderWarnings(os.Stderr, result.Warnings)
				}

				return err
			})
		},
	})

	return cmd
}

func daemonEntrypoint(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Runs schedules and autoextend by their calendars",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			// a daemon always logs
			logger := logex.StandardLoggerTo(os.Stderr)

			a, err := newApp(global.configPath, logger)
			osutil.ExitIfError(err)

			osutil.ExitIfError(runDaemon(osutil.CancelOnInterruptOrTerminate(logger), a))
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs systemd unit file to make the daemon start on system boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"snapset",
				"snapset scheduled snapshots",
				systemdinstaller.Args("daemon", "--config="+global.configPath),
				systemdinstaller.Docs("https://github.com/function61/snapset"))

			osutil.ExitIfError(systemdinstaller.Install(serviceFile))

			fmt.Println(systemdinstaller.GetHints(serviceFile))
		},
	})

	return cmd
}

func runDaemon(ctx context.Context, a *app) error {
	schedules, err := snapconfig.LoadSchedules(a.conf.SchedulesFile)
	if err != nil {
		return err
	}

	jobStore, err := snapdaemon.OpenJobStore(a.conf.JobStatePath())
	if err != nil {
		return err
	}
	defer jobStore.Close()

	// pick up sets created or removed while we were down
	if _, err := a.manager.Reconcile(ctx); err != nil {
		return err
	}

	return snapdaemon.New(a.manager, schedules, jobStore, a.conf.MetricsTextfile, a.logger).Run(ctx)
}

func retentionSummary(schedule snapconfig.Schedule) string {
	policy := schedule.Policy()
	if policy == nil {
		return "keep all"
	}

	parts := []string{}
	if policy.KeepCount > 0 {
		parts = append(parts, fmt.Sprintf("newest %d", policy.KeepCount))
	}

	if policy.KeepAge > 0 {
		parts = append(parts, fmt.Sprintf("max age %s", policy.KeepAge))
	}

	if tl := policy.Timeline; tl != nil {
		parts = append(parts, fmt.Sprintf(
			"timeline %dh/%dd/%dw/%dm/%dq/%dy",
			tl.Hourly,
			tl.Daily,
			tl.Weekly,
			tl.Monthly,
			tl.Quarterly,
			tl.Yearly))
	}

	return strings.Join(parts, ", ")
}
