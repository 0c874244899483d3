// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
)

type fileMatch struct {
	Vector          string `yaml:"vector"`
	Source          string `yaml:"source,omitempty"`
	Protocol        string `yaml:"protocol,omitempty"` // "tcp"/"udp"/"icmp", empty = any
	RequireTopPorts bool   `yaml:"require_top_ports,omitempty"`
}

type fileStep struct {
	ActionType               string   `yaml:"action_type"`
	RateBPS                  *uint64  `yaml:"rate_bps,omitempty"`
	TTLSeconds               int      `yaml:"ttl_seconds"`
	RequireConfidenceAtLeast *float64 `yaml:"require_confidence_at_least,omitempty"`
	RequirePersistenceSecs   *int     `yaml:"require_persistence_seconds,omitempty"`
}

type filePlaybook struct {
	Name      string     `yaml:"name"`
	Match     fileMatch  `yaml:"match"`
	Steps     []fileStep `yaml:"steps"`
	IsDefault bool       `yaml:"default,omitempty"`
}

type fileDocument struct {
	Playbooks []filePlaybook `yaml:"playbooks"`
}

var protocolNames = map[string]uint8{"icmp": 1, "tcp": 6, "udp": 17}

// LoadFile decodes a playbook YAML document into a Playbook list
// suitable for NewSnapshot / Holder.Reload.
func LoadFile(path string) ([]Playbook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "policy: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes a playbook YAML document.
func Parse(raw []byte) ([]Playbook, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "policy: invalid yaml")
	}

	playbooks := make([]Playbook, 0, len(doc.Playbooks))
	for _, fp := range doc.Playbooks {
		var protocol *uint8
		if fp.Match.Protocol != "" {
			proto, ok := protocolNames[fp.Match.Protocol]
			if !ok {
				return nil, errors.Errorf(errors.KindValidation, "policy: playbook %s: unknown protocol %q", fp.Name, fp.Match.Protocol)
			}
			protocol = &proto
		}

		steps := make([]Step, 0, len(fp.Steps))
		for i, fs := range fp.Steps {
			actionType := mitigation.ActionType(fs.ActionType)
			if actionType != mitigation.ActionTypePolice && actionType != mitigation.ActionTypeDiscard {
				return nil, errors.Errorf(errors.KindValidation, "policy: playbook %s step %d: unknown action_type %q", fp.Name, i, fs.ActionType)
			}
			if actionType == mitigation.ActionTypePolice && fs.RateBPS == nil {
				return nil, errors.Errorf(errors.KindValidation, "policy: playbook %s step %d: police action requires rate_bps", fp.Name, i)
			}
			steps = append(steps, Step{
				Index:                    i,
				ActionType:               actionType,
				RateBPS:                  fs.RateBPS,
				TTLSeconds:               fs.TTLSeconds,
				RequireConfidenceAtLeast: fs.RequireConfidenceAtLeast,
				RequirePersistenceSecs:   fs.RequirePersistenceSecs,
			})
		}
		if len(steps) == 0 {
			return nil, errors.Errorf(errors.KindValidation, "policy: playbook %s has no steps", fp.Name)
		}

		playbooks = append(playbooks, Playbook{
			Name: fp.Name,
			Match: Match{
				Vector:          mitigation.Vector(fp.Match.Vector),
				Source:          fp.Match.Source,
				Protocol:        protocol,
				RequireTopPorts: fp.Match.RequireTopPorts,
			},
			Steps:     steps,
			IsDefault: fp.IsDefault,
		})
	}

	return playbooks, nil
}

// Watcher reloads a Holder whenever its backing file changes on disk,
// mirroring inventory.Watcher (spec §4.1 "reload(new_snapshot)").
type Watcher struct {
	holder *Holder
	path   string
	logger *logging.Logger
	watch  *fsnotify.Watcher
}

// NewWatcher starts watching path for changes and applies them to holder.
// The initial contents of path must already be loaded into holder by the
// caller before calling NewWatcher.
func NewWatcher(holder *Holder, path string, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "policy: create fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, errors.KindInternal, "policy: watch %s", path)
	}

	w := &Watcher{holder: holder, path: path, logger: logger.WithComponent("policy"), watch: fw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	playbooks, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("playbook reload failed, keeping previous snapshot", "error", err)
		return
	}
	w.holder.Reload(playbooks)
	w.logger.Info("playbooks reloaded", "count", len(playbooks))
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watch.Close()
}
