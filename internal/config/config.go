// Package config handles the station's on-disk configuration: the
// operator-level YAML config (daemon pipe paths, region, credential
// directory - following the teacher's cmd/agsys-controller YAML layout),
// the CUPS-collaborator JSON files (station.conf, slave-N.conf), and the
// credential-set roll-forward recovery state machine of spec §6.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// OperatorConfig is the daemon-level YAML config: where the station
// stores its credential set, which region/slaves it runs, and transport
// endpoints. Stdlib JSON governs the CUPS wire files below because that
// format is an external collaborator's contract (spec §1 OUT OF SCOPE);
// this top-level file is ours to shape, so it follows the teacher's YAML
// convention (cmd/agsys-controller/main.go's Config struct).
type OperatorConfig struct {
	Station struct {
		ID         string `yaml:"id"`
		Region     string `yaml:"region"`
		ConfigDir  string `yaml:"config_dir"`
		StateDBPath string `yaml:"state_db_path"`
	} `yaml:"station"`

	Transport struct {
		URI         string `yaml:"uri"`
		CredDir     string `yaml:"cred_dir"`
		TimeoutSec  int    `yaml:"timeout_sec"`
	} `yaml:"transport"`

	RAL struct {
		SlaveCommand string   `yaml:"slave_command"`
		SlaveArgs    []string `yaml:"slave_args"`
		Backend      string   `yaml:"backend"` // "pipe" or "concentratord"
		ZMQEndpoint  string   `yaml:"zmq_endpoint"`
	} `yaml:"ral"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// LoadOperatorConfig reads and parses the daemon's YAML config file.
func LoadOperatorConfig(path string) (*OperatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read operator config")
	}
	var cfg OperatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse operator config")
	}
	return &cfg, nil
}

// StationConf is the JSON station_conf/radio_conf document a CUPS
// collaborator drops in place (spec §6). It is parsed with stdlib
// encoding/json since the wire format must stay byte-compatible with
// what CUPS produces, not a place for a schema/codec library.
type StationConf struct {
	StationConf json.RawMessage `json:"station_conf"`
	RadioConf   json.RawMessage `json:"radio_conf,omitempty"`
	SX1301Conf  json.RawMessage `json:"sx1301_conf,omitempty"`
	SX1302Conf  json.RawMessage `json:"sx1302_conf,omitempty"`
}

// LoadStationConf reads station.conf from dir.
func LoadStationConf(dir string) (*StationConf, error) {
	data, err := os.ReadFile(filepath.Join(dir, "station.conf"))
	if err != nil {
		return nil, errors.Wrap(err, "config: read station.conf")
	}
	var sc StationConf
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, "config: parse station.conf")
	}
	if sc.RadioConf == nil && sc.SX1301Conf == nil && sc.SX1302Conf == nil {
		return nil, errors.New("config: station.conf missing radio_conf/sx1301_conf/sx1302_conf")
	}
	return &sc, nil
}

// SlaveConf is one slave-N.conf override fragment.
type SlaveConf struct {
	TxUnit int             `json:"-"`
	Fields json.RawMessage `json:"-"`
	Raw    map[string]json.RawMessage
}

var slaveConfPattern = "slave-%d.conf"

// LoadSlaveConfs scans dir for slave-N.conf files and returns them in
// txunit (N) order; their mere presence is what establishes how many TX
// units the station runs (spec §6: "presence implies MAX_TXUNITS >= N+1").
// Every file matching the name pattern is returned: gaps in N are not
// rejected and no upper bound on N or on the file count is applied.
func LoadSlaveConfs(dir string) ([]SlaveConf, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "config: read slave conf dir")
	}

	var found []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseSlaveConfIndex(e.Name())
		if ok {
			found = append(found, n)
		}
	}
	sort.Ints(found)

	out := make([]SlaveConf, 0, len(found))
	for _, n := range found {
		path := filepath.Join(dir, sprintfSlave(n))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", path)
		}
		out = append(out, SlaveConf{TxUnit: n, Raw: raw})
	}
	return out, nil
}

func sprintfSlave(n int) string { return "slave-" + strconv.Itoa(n) + ".conf" }

func parseSlaveConfIndex(name string) (int, bool) {
	const prefix, suffix = "slave-", ".conf"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	n, err := strconv.Atoi(mid)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// LastPos mirrors ~temp/station.lastpos: a [lat, lon] JSON array.
type LastPos struct {
	Lat float64
	Lon float64
}

// LoadLastPos reads the last-known-position file, if present.
func LoadLastPos(tempDir string) (LastPos, bool, error) {
	data, err := os.ReadFile(filepath.Join(tempDir, "station.lastpos"))
	if os.IsNotExist(err) {
		return LastPos{}, false, nil
	}
	if err != nil {
		return LastPos{}, false, errors.Wrap(err, "config: read station.lastpos")
	}
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return LastPos{}, false, errors.Wrap(err, "config: parse station.lastpos")
	}
	return LastPos{Lat: pair[0], Lon: pair[1]}, true, nil
}

// SaveLastPos writes the last-known-position file atomically (write to a
// temp name, then rename), matching fs.c's transactional pattern.
func SaveLastPos(tempDir string, p LastPos) error {
	data, err := json.Marshal([2]float64{p.Lat, p.Lon})
	if err != nil {
		return err
	}
	final := filepath.Join(tempDir, "station.lastpos")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "config: write station.lastpos temp")
	}
	return os.Rename(tmp, final)
}
