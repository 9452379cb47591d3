package extract

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadOverrides reads per-document overrides from a YAML map keyed by file
// name:
//
//	krause1997.pdf:
//	  study: Krause 1997
//	  location: Lac Saint-Jean, Quebec, Canada
//	  point: {lat: 48.6, lon: -72.0}
//
// An empty path returns an empty map.
func LoadOverrides(path string) (map[string]Override, error) {
	out := map[string]Override{}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read overrides %s", path)
	}
	var raw map[string]Override
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "extract: parse overrides %s", path)
	}
	for name, o := range raw {
		key := filepath.Base(strings.TrimSpace(name))
		if key == "" || key == "." {
			return nil, eris.Errorf("extract: overrides %s: empty file name", path)
		}
		if o.Point != nil {
			if o.Point.Lat < -90 || o.Point.Lat > 90 || o.Point.Lon < -180 || o.Point.Lon > 180 {
				return nil, eris.Errorf("extract: overrides %s: %s point out of range", path, key)
			}
		}
		out[key] = o
	}
	return out, nil
}

// SetTemperature applies t to every stage.
func (p *Prompts) SetTemperature(t float64) {
	for _, s := range p.Stages.all() {
		s.Temperature = t
	}
}
