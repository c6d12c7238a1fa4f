// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembler

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/util"
)

//go:embed definitions/*.yml
var builtinDefinitions embed.FS

// =============================================================================
// Sources
// =============================================================================

// Source is a named set of manifest files.
type Source struct {
	// Name identifies the source in logs (a directory path or "builtin").
	Name string

	// FS holds *.yml and *.yaml manifests at its root.
	FS fs.FS
}

// DirSource reads manifests from a directory on disk.
func DirSource(dir string) Source {
	return Source{Name: dir, FS: os.DirFS(dir)}
}

// BuiltinSource reads the manifests compiled into the binary.
func BuiltinSource() Source {
	sub, err := fs.Sub(builtinDefinitions, "definitions")
	if err != nil {
		panic(err)
	}
	return Source{Name: "builtin", FS: sub}
}

// =============================================================================
// Registry
// =============================================================================

// Reason values for unavailable entries.
const (
	ReasonUnsupportedPlatform = "unsupported platform"
	ReasonMissingBinaries     = "missing binaries"
)

// Entry is the discovery outcome for one manifest.
type Entry struct {
	Manifest Manifest

	// Available is true when the platform matches and every binary resolved.
	Available bool

	// Reason explains an unavailable entry.
	Reason string

	// Missing lists required binaries not found on PATH.
	Missing []string

	// Binaries maps required binaries to resolved paths.
	Binaries map[string]string

	// Err is the classified discovery error of an unavailable entry.
	Err error
}

// Describe returns Reason with the missing binaries appended.
func (e Entry) Describe() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Missing, ", "))
	}
	return e.Reason
}

// Discovery partitions entries by availability.
type Discovery struct {
	Available   []Entry
	Unavailable []Entry
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Runner is handed to every backend. Defaults to an ExecRunner.
	Runner process.Runner

	// Logger receives discovery messages. Nil discards them.
	Logger *slog.Logger

	// LookPath resolves binaries. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)

	// Host overrides the detected platform.
	Host *Platform
}

// Registry discovers manifests and hands out backends.
//
// # Description
//
// Discover replaces the registry contents with a fresh scan. Sources are
// scanned in order and files within a source in name order, so repeated
// scans of an unchanged filesystem classify identically. A name already
// claimed by an earlier manifest is rejected with a ValidationError.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	runner   process.Runner
	logger   *slog.Logger
	lookPath func(string) (string, error)
	host     Platform

	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		runner:   cfg.Runner,
		logger:   cfg.Logger,
		lookPath: cfg.LookPath,
		host:     HostPlatform(),
	}
	if r.runner == nil {
		r.runner = process.NewExecRunner()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	r.logger = r.logger.With("component", "registry")
	if r.lookPath == nil {
		r.lookPath = exec.LookPath
	}
	if cfg.Host != nil {
		r.host = *cfg.Host
	}
	return r
}

// Host returns the platform manifests are matched against.
func (r *Registry) Host() Platform { return r.host }

// Discover scans sources and classifies every valid manifest.
//
// # Description
//
// Malformed manifests are logged as ValidationError and excluded. A manifest
// whose supportedPlatforms lacks the host is unavailable with reason
// "unsupported platform". Otherwise each requiredBinaries entry is looked up
// through LookPath and any misses make it unavailable with reason
// "missing binaries". Discovery never fails as a whole.
func (r *Registry) Discover(sources ...Source) Discovery {
	var entries []Entry
	seen := map[string]string{}

	for _, src := range sources {
		files, err := manifestFiles(src)
		if err != nil {
			r.logger.Warn("skipping manifest source", "source", src.Name, "error", err)
			continue
		}
		for _, name := range files {
			origin := src.Name + "/" + name
			data, err := fs.ReadFile(src.FS, name)
			if err != nil {
				r.logger.Error("unreadable manifest", "kind", util.KindIO, "file", origin, "error", err)
				continue
			}
			m, err := ParseManifest(data, origin)
			if err != nil {
				r.logger.Error("rejected manifest", "kind", util.KindOf(err), "file", origin, "error", err)
				continue
			}
			if dup := claimed(seen, m); dup != "" {
				err := util.Errorf(util.KindValidation, "registry.discover",
					"%s: %q already defined by %s", origin, m.Name, dup)
				r.logger.Error("rejected manifest", "kind", util.KindValidation, "file", origin, "error", err)
				continue
			}
			seen[m.Name] = origin
			if m.Shortname != "" {
				seen[m.Shortname] = origin
			}
			entries = append(entries, r.classify(m))
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return r.discovery()
}

func claimed(seen map[string]string, m Manifest) string {
	if origin, ok := seen[m.Name]; ok {
		return origin
	}
	if m.Shortname != "" {
		if origin, ok := seen[m.Shortname]; ok {
			return origin
		}
	}
	return ""
}

func (r *Registry) classify(m Manifest) Entry {
	e := Entry{Manifest: m}
	if !supports(m.SupportedPlatforms, r.host) {
		e.Reason = ReasonUnsupportedPlatform
		e.Err = util.Errorf(util.KindUnsupportedPlatform, "registry.discover",
			"%s does not support %s", m.Name, r.host)
		r.logger.Info("assembler not available for this platform", "assembler", m.Name, "host", r.host.String())
		return e
	}

	e.Binaries = make(map[string]string, len(m.RequiredBinaries))
	for _, bin := range m.RequiredBinaries {
		p, err := r.lookPath(bin)
		if err != nil || p == "" {
			e.Missing = append(e.Missing, bin)
			continue
		}
		e.Binaries[bin] = p
	}
	if len(e.Missing) > 0 {
		e.Reason = ReasonMissingBinaries
		e.Err = util.Errorf(util.KindMissingBinary, "registry.discover",
			"%s is missing %s", m.Name, strings.Join(e.Missing, ", "))
		r.logger.Debug("assembler not installed", "assembler", m.Name, "missing", e.Missing)
		return e
	}
	e.Available = true
	return e
}

func manifestFiles(src Source) ([]string, error) {
	if src.FS == nil {
		return nil, fmt.Errorf("source %s has no filesystem", src.Name)
	}
	dirents, err := fs.ReadDir(src.FS, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		switch path.Ext(d.Name()) {
		case ".yml", ".yaml":
			files = append(files, d.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (r *Registry) discovery() Discovery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var d Discovery
	for _, e := range r.entries {
		if e.Available {
			d.Available = append(d.Available, e)
		} else {
			d.Unavailable = append(d.Unavailable, e)
		}
	}
	return d
}

// Available returns the available entries in discovery order.
func (r *Registry) Available() []Entry { return r.discovery().Available }

// Unavailable returns the unavailable entries in discovery order.
func (r *Registry) Unavailable() []Entry { return r.discovery().Unavailable }

// Names returns every name and shortname of the available backends.
func (r *Registry) Names() []string {
	var names []string
	for _, e := range r.Available() {
		names = append(names, e.Manifest.Name)
		if e.Manifest.Shortname != "" {
			names = append(names, e.Manifest.Shortname)
		}
	}
	return names
}

// Get returns a fresh backend for a name or shortname.
//
// # Outputs
//
//   - Backend: a new instance, never shared with another caller
//   - error: NotFoundError naming id when no available backend matches
func (r *Registry) Get(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if !e.Manifest.Matches(id) {
			continue
		}
		if !e.Available {
			return nil, util.Errorf(util.KindNotFound, "registry.get",
				"assembler %q is not available (%s)", id, e.Describe())
		}
		return r.instantiate(e), nil
	}
	return nil, util.Errorf(util.KindNotFound, "registry.get", "no assembler named %q", id)
}

func (r *Registry) instantiate(e Entry) Backend {
	binaries := make(map[string]string, len(e.Binaries))
	for k, v := range e.Binaries {
		binaries[k] = v
	}
	return constructors[e.Manifest.Constructor](e.Manifest, Deps{
		Runner:   r.runner,
		Logger:   r.logger,
		Binaries: binaries,
	})
}
