// Package config loads and validates the korgalore TOML configuration:
// korgalore.toml plus an optional conf.d/*.toml overlay directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/korgalore/korgalore/internal/kerrors"
)

// FileName is the primary configuration file under the config directory.
const FileName = "korgalore.toml"

// Target types accepted in targets.<name>.type.
const (
	TargetGmail   = "gmail"
	TargetIMAP    = "imap"
	TargetJMAP    = "jmap"
	TargetMaildir = "maildir"
	TargetPipe    = "pipe"
)

// Main holds the [main] section.
type Main struct {
	UserAgentPlus string   `toml:"user_agent_plus"`
	CatchallLists []string `toml:"catchall_lists"`
}

// Target holds one [targets.<name>] section. Which fields matter depends
// on Type; validation of the type-specific fields happens when the target
// is constructed.
type Target struct {
	Type         string `toml:"type"`
	Credentials  string `toml:"credentials"`
	Token        string `toml:"token"`
	TokenFile    string `toml:"token_file"`
	Server       string `toml:"server"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
	Folder       string `toml:"folder"`
	AuthType     string `toml:"auth_type"`
	ClientID     string `toml:"client_id"`
	Tenant       string `toml:"tenant"`
	Path         string `toml:"path"`
	Command      string `toml:"command"`
	Timeout      int    `toml:"timeout"`
}

// Feed holds one [feeds.<name>] section. URL is either an https://
// public-inbox archive URL or lei:<search-path>.
type Feed struct {
	URL string `toml:"url"`
}

// Delivery holds one [deliveries.<name>] section, binding a feed to a
// target.
type Delivery struct {
	Feed      string   `toml:"feed"`
	Target    string   `toml:"target"`
	Labels    []string `toml:"labels"`
	Subfolder string   `toml:"subfolder"`
}

// GUI holds the [gui] section.
type GUI struct {
	SyncInterval int `toml:"sync_interval"`
}

// Subsystem holds the [subsystem] section, metadata stamped into
// auto-generated subscription files.
type Subsystem struct {
	Name string `toml:"name"`
}

// Config is the merged, validated configuration.
type Config struct {
	Main       Main                `toml:"main"`
	Targets    map[string]Target   `toml:"targets"`
	Feeds      map[string]Feed     `toml:"feeds"`
	Deliveries map[string]Delivery `toml:"deliveries"`
	GUI        GUI                 `toml:"gui"`
	Subsystem  Subsystem           `toml:"subsystem"`

	// Sources is the legacy name for Deliveries, folded in on load.
	Sources map[string]Delivery `toml:"sources"`
}

// Load reads korgalore.toml from configDir, merges conf.d/*.toml in sorted
// order and validates the result. Later files replace earlier keys in
// targets, feeds and deliveries; gui is replaced wholesale.
func Load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, FileName)
	if _, err := os.Stat(path); err != nil {
		return nil, kerrors.Configuration("no config file found at %s", path)
	}

	cfg := &Config{
		Targets:    map[string]Target{},
		Feeds:      map[string]Feed{},
		Deliveries: map[string]Delivery{},
	}
	if err := mergeFile(cfg, path); err != nil {
		return nil, err
	}

	confd := filepath.Join(configDir, "conf.d")
	entries, err := os.ReadDir(confd)
	if err == nil {
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".toml") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if err := mergeFile(cfg, filepath.Join(confd, name)); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile decodes one TOML file into cfg. Maps merge key-by-key, the
// scalar sections are replaced when the file sets them.
func mergeFile(cfg *Config, path string) error {
	var file Config
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return kerrors.Configuration("parsing %s: %v", path, err)
	}

	// Legacy section name.
	for name, d := range file.Sources {
		if file.Deliveries == nil {
			file.Deliveries = map[string]Delivery{}
		}
		if _, ok := file.Deliveries[name]; !ok {
			file.Deliveries[name] = d
		}
	}

	for name, t := range file.Targets {
		cfg.Targets[name] = t
	}
	for name, f := range file.Feeds {
		cfg.Feeds[name] = f
	}
	for name, d := range file.Deliveries {
		cfg.Deliveries[name] = d
	}
	if meta.IsDefined("main") {
		cfg.Main = file.Main
	}
	if meta.IsDefined("gui") {
		cfg.GUI = file.GUI
	}
	if meta.IsDefined("subsystem") {
		cfg.Subsystem = file.Subsystem
	}
	return nil
}

// FeedURL resolves a delivery's feed reference: a named [feeds] entry, or
// a direct URL when the reference looks like one.
func (c *Config) FeedURL(ref string) (string, error) {
	if f, ok := c.Feeds[ref]; ok {
		return f.URL, nil
	}
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "lei:") {
		return ref, nil
	}
	return "", kerrors.Configuration("unknown feed %q", ref)
}

func (c *Config) validate() error {
	validTypes := map[string]bool{
		TargetGmail: true, TargetIMAP: true, TargetJMAP: true,
		TargetMaildir: true, TargetPipe: true,
	}
	for name, t := range c.Targets {
		if !validTypes[t.Type] {
			return kerrors.Configuration("target %q: unknown type %q", name, t.Type)
		}
	}
	for name, d := range c.Deliveries {
		if d.Feed == "" {
			return kerrors.Configuration("delivery %q: missing feed", name)
		}
		if d.Target == "" {
			return kerrors.Configuration("delivery %q: missing target", name)
		}
		t, ok := c.Targets[d.Target]
		if !ok {
			return kerrors.Configuration("delivery %q: unknown target %q", name, d.Target)
		}
		for _, label := range d.Labels {
			if strings.Contains(label, "%") {
				return kerrors.Configuration(
					"delivery %q: label %q must not contain %%", name, label)
			}
		}
		if strings.Contains(d.Subfolder, "%") && t.Type != TargetMaildir {
			return kerrors.Configuration(
				"delivery %q: templated subfolder requires a maildir target", name)
		}
		if _, err := c.FeedURL(d.Feed); err != nil {
			return fmt.Errorf("delivery %q: %w", name, err)
		}
	}
	return nil
}

// RenameLegacySections rewrites [sources...] section headers in the main
// config file to [deliveries...]. Returns whether the file changed.
func RenameLegacySections(configDir string) (bool, error) {
	path := filepath.Join(configDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kerrors.Configuration("reading %s: %v", path, err)
	}

	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "[sources."):
			lines[i] = "[deliveries." + strings.TrimPrefix(trimmed, "[sources.")
			changed = true
		case trimmed == "[sources]":
			lines[i] = "[deliveries]"
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return false, kerrors.Configuration("writing %s: %v", path, err)
	}
	return true, nil
}
