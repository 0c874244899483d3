// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inventory

import (
	"fmt"
	"net/netip"
	"os"
	"sort"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/logging"
)

// fileAsset mirrors Asset in the on-disk YAML representation.
type fileAsset struct {
	IP    string `yaml:"ip,omitempty"`
	Start string `yaml:"start,omitempty"`
	End   string `yaml:"end,omitempty"`
}

type fileService struct {
	ID            string              `yaml:"id"`
	Name          string              `yaml:"name"`
	Assets        []fileAsset         `yaml:"assets"`
	AllowedPorts  map[string][]uint16 `yaml:"allowed_ports"` // "tcp"/"udp"/"icmp" -> ports
	PolicyProfile string              `yaml:"policy_profile,omitempty"`
}

type fileCustomer struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Prefixes      []string      `yaml:"prefixes"`
	Services      []fileService `yaml:"services"`
	PolicyProfile string        `yaml:"policy_profile"`
}

type fileDocument struct {
	Customers []fileCustomer `yaml:"customers"`
}

var protocolNames = map[string]uint8{"icmp": 1, "tcp": 6, "udp": 17}

// LoadFile decodes an inventory YAML document into a customer list
// suitable for NewSnapshot / Index.Reload.
func LoadFile(path string) ([]Customer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "inventory: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes an inventory YAML document.
func Parse(raw []byte) ([]Customer, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "inventory: invalid yaml")
	}

	customers := make([]Customer, 0, len(doc.Customers))
	for _, fc := range doc.Customers {
		prefixes := make([]netip.Prefix, 0, len(fc.Prefixes))
		for _, p := range fc.Prefixes {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "inventory: customer %s: bad prefix %q", fc.ID, p)
			}
			prefixes = append(prefixes, prefix)
		}

		services := make([]Service, 0, len(fc.Services))
		for _, fs := range fc.Services {
			assets := make([]Asset, 0, len(fs.Assets))
			for _, fa := range fs.Assets {
				asset, err := parseAsset(fa)
				if err != nil {
					return nil, errors.Wrapf(err, errors.KindValidation, "inventory: service %s: %v", fs.ID, err)
				}
				assets = append(assets, asset)
			}

			allowed := make(map[uint8][]uint16, len(fs.AllowedPorts))
			for protoName, ports := range fs.AllowedPorts {
				proto, ok := protocolNames[protoName]
				if !ok {
					return nil, fmt.Errorf("inventory: service %s: unknown protocol %q", fs.ID, protoName)
				}
				sorted := append([]uint16(nil), ports...)
				sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
				allowed[proto] = sorted
			}

			services = append(services, Service{
				ID:            fs.ID,
				Name:          fs.Name,
				Assets:        assets,
				AllowedPorts:  allowed,
				PolicyProfile: PolicyProfile(fs.PolicyProfile),
			})
		}

		customers = append(customers, Customer{
			ID:            fc.ID,
			Name:          fc.Name,
			Prefixes:      prefixes,
			Services:      services,
			PolicyProfile: PolicyProfile(fc.PolicyProfile),
		})
	}

	return customers, nil
}

func parseAsset(fa fileAsset) (Asset, error) {
	switch {
	case fa.IP != "":
		ip, err := netip.ParseAddr(fa.IP)
		if err != nil {
			return Asset{}, fmt.Errorf("bad asset ip %q: %w", fa.IP, err)
		}
		return Asset{IP: ip}, nil
	case fa.Start != "" && fa.End != "":
		start, err := netip.ParseAddr(fa.Start)
		if err != nil {
			return Asset{}, fmt.Errorf("bad asset range start %q: %w", fa.Start, err)
		}
		end, err := netip.ParseAddr(fa.End)
		if err != nil {
			return Asset{}, fmt.Errorf("bad asset range end %q: %w", fa.End, err)
		}
		return Asset{Start: start, End: end}, nil
	default:
		return Asset{}, fmt.Errorf("asset must set either ip or start+end")
	}
}

// Watcher reloads an Index whenever its backing file changes on disk,
// hot-reloading the inventory without disturbing in-flight lookups
// (spec §4.1 "reload(new_snapshot)").
type Watcher struct {
	idx    *Index
	path   string
	logger *logging.Logger
	watch  *fsnotify.Watcher
}

// NewWatcher starts watching path for changes and applies them to idx.
// The initial contents of path must already be loaded into idx by the
// caller before calling NewWatcher.
func NewWatcher(idx *Index, path string, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "inventory: create fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, errors.KindInternal, "inventory: watch %s", path)
	}

	w := &Watcher{idx: idx, path: path, logger: logger.WithComponent("inventory"), watch: fw}
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
			w.logger.Warn("inventory watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	customers, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("inventory reload failed, keeping previous snapshot", "error", err)
		return
	}
	w.idx.Reload(customers)
	w.logger.Info("inventory reloaded", "customers", len(customers))
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watch.Close()
}
