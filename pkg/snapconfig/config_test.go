package snapconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	dir := t.TempDir()

	conf, err := Load(filepath.Join(dir, "config.json"))
	assert.Ok(t, err)
	assert.EqualString(t, conf.StateDir, "/var/lib/snapset")
	assert.EqualString(t, conf.BackendTimeout.String(), "1m0s")
	assert.EqualString(t, conf.SchedulesFile, filepath.Join(dir, "schedules.yaml"))

	managerConf, err := conf.ManagerConfig()
	assert.Ok(t, err)
	assert.Assert(t, managerConf.HeadroomMargin > 0.0999 && managerConf.HeadroomMargin < 0.1001)
	assert.Assert(t, managerConf.Autoextend.Threshold > 0.1999 && managerConf.Autoextend.Threshold < 0.2001)
	assert.Assert(t, managerConf.Autoextend.MaxSize == 0)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.json", `{
	"state_dir": "/srv/snapset",
	"backend_timeout": "2m30s",
	"autoextend": {
		"threshold_percent": 30,
		"max_size": "20G"
	},
	"metrics_textfile": "/var/lib/node_exporter/snapset.prom"
}`)

	conf, err := Load(path)
	assert.Ok(t, err)
	assert.Assert(t, conf.BackendTimeout.Duration == 150*time.Second)
	assert.EqualString(t, conf.JobStatePath(), "/srv/snapset/daemon.db")

	managerConf, err := conf.ManagerConfig()
	assert.Ok(t, err)
	assert.EqualString(t, managerConf.StateDir, "/srv/snapset")
	assert.Assert(t, managerConf.Autoextend.MaxSize == 20*1024*1024*1024)
	assert.Assert(t, managerConf.Autoextend.Increment > 0.1999 && managerConf.Autoextend.Increment < 0.2001)
}

func TestZeroHeadroomMarginIsHonored(t *testing.T) {
	conf, err := Load(writeFile(t, "config.json", `{"headroom_margin_percent": 0}`))
	assert.Ok(t, err)

	managerConf, err := conf.ManagerConfig()
	assert.Ok(t, err)
	assert.Assert(t, managerConf.HeadroomMargin == 0)

	_, err = Load(writeFile(t, "config.json", `{"headroom_margin_percent": -1}`))
	assert.Assert(t, err != nil && strings.Contains(err.Error(), "headroom_margin_percent out of range: -1.0"))
}

func TestLoadRejectsUnknownFieldsAndBadValues(t *testing.T) {
	_, err := Load(writeFile(t, "config.json", `{"statedir": "/x"}`))
	assert.Assert(t, err != nil && strings.Contains(err.Error(), "statedir"))

	_, err = Load(writeFile(t, "config.json", `{"state_dir": "relative/path"}`))
	assert.Assert(t, err != nil && strings.Contains(err.Error(), "state_dir must be absolute; got 'relative/path'"))

	_, err = Load(writeFile(t, "config.json", `{"autoextend": {"max_size": "lots"}}`))
	assert.Assert(t, err != nil && strings.Contains(err.Error(), "autoextend.max_size"))

	_, err = Load(writeFile(t, "config.json", `{"backend_timeout": "forever"}`))
	assert.Assert(t, err != nil)
}

func writeFile(t *testing.T, name string, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	assert.Ok(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
