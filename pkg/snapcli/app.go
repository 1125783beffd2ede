// Command line interface of snapset
package snapcli

import (
	"context"
	"log"
	"os"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/snapset/pkg/snapconfig"
	"github.com/function61/snapset/pkg/snapdiscovery"
	"github.com/function61/snapset/pkg/snapmanager"
	"github.com/function61/snapset/pkg/snapprovider"
)

type app struct {
	conf    *snapconfig.Config
	manager *snapmanager.Manager
	logger  *log.Logger
}

func newApp(configPath string, logger *log.Logger) (*app, error) {
	conf, err := snapconfig.Load(configPath)
	if err != nil {
		return nil, err
	}

	managerConf, err := conf.ManagerConfig()
	if err != nil {
		return nil, err
	}

	providers := snapprovider.NewSet(snapprovider.All(
		snapprovider.ExecRunner(conf.BackendTimeout.Duration, logger),
		logger)...)

	manager, err := snapmanager.New(managerConf, providers, snapdiscovery.New(providers), logger)
	if err != nil {
		return nil, err
	}

	return &app{conf, manager, logger}, nil
}

// runs fn with a context cancelled on SIGINT/SIGTERM. metrics are written afterwards (if
// configured) whether fn succeeded or not.
func (a *app) run(fn func(ctx context.Context) error) error {
	err := fn(osutil.CancelOnInterruptOrTerminate(a.logger))

	if a.conf.MetricsTextfile != "" {
		if errMetrics := a.manager.WriteMetrics(a.conf.MetricsTextfile); errMetrics != nil {
			logex.Levels(a.logger).Error.Printf("writing metrics: %v", errMetrics)
		}
	}

	return err
}

// configPath is bound to the root command's persistent flag, so it's read only at run time
func withApp(configPath *string, verbose *bool, fn func(ctx context.Context, a *app) error) {
	// errors reach the user through the exit path, so logging is opt-in
	logger := logex.Discard
	if *verbose {
		logger = logex.StandardLoggerTo(os.Stderr)
	}

	a, err := newApp(*configPath, logger)
	osutil.ExitIfError(err)

	osutil.ExitIfError(a.run(func(ctx context.Context) error {
		return fn(ctx, a)
	}))
}
