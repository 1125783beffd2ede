package snapconfig

import (
	"encoding/json"
	"time"

	"github.com/function61/snapset/pkg/duration"
	"gopkg.in/yaml.v3"
)

// Duration is a wrapper for time.Duration so config files can say "90s", "720h" or "30d"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(s string) error {
	parsed, err := duration.Parse(s)
	if err != nil {
		return err
	}

	d.Duration = parsed
	return nil
}
