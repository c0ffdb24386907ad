// Package lang describes how each supported language is compiled, run and
// tested inside a sandbox.
package lang

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/runbox/internal/diagnostic"
)

// ErrUnknownLanguage is returned by Lookup for names missing from the table.
var ErrUnknownLanguage = errors.New("unknown language")

// Runtime selects the session implementation for a language.
type Runtime string

const (
	RuntimeSandbox Runtime = "sandbox"
	// RuntimeSkulpt marks languages interpreted in the browser.
	RuntimeSkulpt Runtime = "skulpt"
)

// ChannelKind names the protocol carried by a side-channel.
type ChannelKind string

const (
	ChannelMatplotlib ChannelKind = "matplotlib"
	ChannelTurtle     ChannelKind = "turtle"
	ChannelResults    ChannelKind = "results"
)

// Channel is one side-channel of an executed program. ObjectMode channels
// carry newline-delimited messages instead of a raw byte stream.
type Channel struct {
	Kind       ChannelKind `yaml:"kind"`
	ObjectMode bool        `yaml:"objectMode,omitempty"`
}

// Config is the immutable descriptor of one language.
type Config struct {
	Name        string  `yaml:"-"`
	DisplayName string  `yaml:"displayName"`
	Runtime     Runtime `yaml:"runtime,omitempty"`

	Compile Command `yaml:"compile,omitempty"`
	Exec    Command `yaml:"exec"`
	Test    Command `yaml:"test,omitempty"`

	// Sources are the file extensions passed as $FILES; empty means all files.
	Sources []string          `yaml:"sources,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Channels lists side-channels in fd order (fd 3, 4, ...). Results
	// channels are attached to test runs only.
	Channels   []Channel                `yaml:"channels,omitempty"`
	Matchers   []diagnostic.MatcherSpec `yaml:"matchers,omitempty"`
	GroupWidth int                      `yaml:"groupWidth,omitempty"`
	// Term runs exec and test commands on a pseudo-terminal.
	Term bool `yaml:"term,omitempty"`
}

// RuntimeOrDefault returns Runtime, defaulting to the sandbox.
func (c *Config) RuntimeOrDefault() Runtime {
	if c.Runtime == "" {
		return RuntimeSandbox
	}
	return c.Runtime
}

// SourceFiles filters names down to the configured source extensions.
func (c *Config) SourceFiles(names []string) []string {
	if len(c.Sources) == 0 {
		return append([]string(nil), names...)
	}
	var out []string
	for _, n := range names {
		ext := filepath.Ext(n)
		for _, s := range c.Sources {
			if strings.EqualFold(ext, s) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// ChannelsFor returns the side-channels of a run (test=false) or test run.
func (c *Config) ChannelsFor(test bool) []Channel {
	var out []Channel
	for _, ch := range c.Channels {
		if ch.Kind == ChannelResults && !test {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Validate checks the descriptor is usable.
func (c *Config) Validate() error {
	if c.RuntimeOrDefault() == RuntimeSandbox && c.Exec.IsZero() {
		return fmt.Errorf("language %s: exec command is required", c.Name)
	}
	seen := make(map[ChannelKind]bool)
	for _, ch := range c.Channels {
		switch ch.Kind {
		case ChannelMatplotlib, ChannelTurtle, ChannelResults:
		default:
			return fmt.Errorf("language %s: unknown channel kind %q", c.Name, ch.Kind)
		}
		if seen[ch.Kind] {
			return fmt.Errorf("language %s: duplicate %s channel", c.Name, ch.Kind)
		}
		seen[ch.Kind] = true
	}
	if _, err := diagnostic.NewParser(c.Matchers, diagnostic.Options{GroupWidth: c.GroupWidth}); err != nil {
		return fmt.Errorf("language %s: %w", c.Name, err)
	}
	return nil
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Sources = append([]string(nil), c.Sources...)
	cp.Channels = append([]Channel(nil), c.Channels...)
	cp.Matchers = append([]diagnostic.MatcherSpec(nil), c.Matchers...)
	if c.Env != nil {
		cp.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

// Table maps language names to descriptors.
type Table map[string]*Config

// Lookup returns a copy of the named descriptor.
func (t Table) Lookup(name string) (*Config, error) {
	c, ok := t[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, name)
	}
	return c.clone(), nil
}

// Names returns the sorted language names.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overlay merges a YAML file into the table. Entries are keyed by language
// name; fields present in the file replace those of an existing entry and
// unknown names add new languages.
func (t Table) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries map[string]yaml.Node
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for name, node := range entries {
		key := strings.ToLower(strings.TrimSpace(name))
		cfg := &Config{}
		if existing, ok := t[key]; ok {
			cfg = existing.clone()
		}
		if err := node.Decode(cfg); err != nil {
			return fmt.Errorf("language %s: %w", key, err)
		}
		cfg.Name = key
		if cfg.DisplayName == "" {
			cfg.DisplayName = key
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		t[key] = cfg
	}
	return nil
}

// Lookup finds a built-in language.
func Lookup(name string) (*Config, error) {
	return builtins.Lookup(name)
}

// Names lists the built-in languages.
func Names() []string {
	return builtins.Names()
}

// LoadOverrides returns the built-in table overlaid with the file at path.
// An empty path yields the built-ins.
func LoadOverrides(path string) (Table, error) {
	t := Builtins()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	if err := t.Overlay(path); err != nil {
		return nil, err
	}
	return t, nil
}
