package disser

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the parsed configuration document. Problems that do not make
// the whole document unusable are collected in Warnings.
type Config struct {
	Files    []SourceEntry
	Scripts  []SourceEntry
	Targets  []TargetEntry
	Warnings []Warning
}

// Warning is a recoverable configuration problem.
type Warning struct {
	Path    string // Location in the document, e.g. "target.web1.colour".
	Message string
}

func (w Warning) String() string {
	return w.Path + ": " + w.Message
}

// TargetEntry is a named target section, in document order.
type TargetEntry struct {
	Name   string
	Fields ServerFields
}

// SourceEntry is one element of source.files or source.scripts. It is
// either a bare path/glob or a {path: destination} mapping. The two-key
// form {path: ~, destination: dst} is accepted too.
type SourceEntry struct {
	Path        string
	Destination string
	err         error
}

// UnmarshalYAML never fails: a malformed entry is kept with its error so
// the rest of the list still loads.
func (e *SourceEntry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		e.Path = s
		if s == "" {
			e.err = errors.New("path must not be blank")
		}
		return nil
	}

	var m yaml.MapSlice
	if err := unmarshal(&m); err != nil {
		e.err = errors.New("entry is neither a path nor a {path: destination} mapping")
		return nil
	}

	switch len(m) {
	case 1:
		path, ok := m[0].Key.(string)
		if !ok {
			e.err = errors.Errorf("path %v is not a string", m[0].Key)
			return nil
		}
		dst, ok := m[0].Value.(string)
		if !ok {
			e.err = errors.Errorf("destination for %s is not a string", path)
			return nil
		}
		e.Path, e.Destination = path, dst
	case 2:
		for _, item := range m {
			key, ok := item.Key.(string)
			if !ok {
				e.err = errors.Errorf("key %v is not a string", item.Key)
				return nil
			}
			if key != "destination" {
				e.Path = key
				continue
			}
			dst, ok := item.Value.(string)
			if !ok {
				e.err = errors.New("destination is not a string")
				return nil
			}
			e.Destination = dst
		}
		if e.Destination == "" && e.Path != "" {
			e.err = errors.Errorf("missing destination key for %s", e.Path)
			return nil
		}
	default:
		e.err = errors.Errorf("mapping requires 1 or 2 keys, but has %d", len(m))
		return nil
	}

	switch {
	case e.Path == "":
		e.err = errors.New("path must not be blank")
	case e.Destination == "":
		e.err = errors.Errorf("destination empty for %s", e.Path)
	}
	return nil
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrConfigNotFound, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrConfigUnreadable, "%s: %v", path, err)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrConfigUnreadable, "%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigUnreadable, "%s: %v", path, err)
	}

	conf, err := NewConfig(data)
	if err != nil {
		return conf, errors.WithMessage(err, path)
	}
	return conf, nil
}

// NewConfig parses a configuration document.
func NewConfig(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrConfigEmpty
	}

	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrConfigMalformed, "%v", err)
	}
	if len(doc) == 0 {
		return nil, ErrConfigEmpty
	}

	conf := &Config{}
	var foundSource, foundTarget bool
	for _, item := range doc {
		switch item.Key {
		case "source":
			foundSource = conf.parseSource(item.Value)
		case "target":
			foundTarget = conf.parseTargets(item.Value)
		default:
			conf.warn(fmt.Sprint(item.Key), "unknown section, ignoring")
		}
	}

	if !foundSource {
		return conf, ErrNoSource
	}
	if !foundTarget {
		return conf, ErrNoTarget
	}
	return conf, nil
}

// Sources returns the declared source items, files first, then scripts.
func (c *Config) Sources() []SourceItem {
	items := make([]SourceItem, 0, len(c.Files)+len(c.Scripts))
	for _, f := range c.Files {
		items = append(items, NewFileSource(f.Path, f.Destination))
	}
	for _, s := range c.Scripts {
		items = append(items, NewScriptSource(s.Path, s.Destination))
	}
	return items
}

// ParseTargets builds the valid targets in document order. Invalid targets
// are logged by p and dropped.
func (c *Config) ParseTargets(p *TargetParser) []TargetServer {
	var targets []TargetServer
	for _, entry := range c.Targets {
		t, err := p.Parse(entry.Name, entry.Fields)
		if err != nil {
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

func (c *Config) warn(path, format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, Warning{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *Config) parseSource(v interface{}) bool {
	section, ok := v.(yaml.MapSlice)
	if !ok || len(section) == 0 {
		c.warn("source", "section is empty or not a mapping")
		return false
	}

	for _, item := range section {
		key := fmt.Sprint(item.Key)
		switch key {
		case "files":
			c.Files = c.parseSourceList("source.files", item.Value)
		case "scripts":
			c.Scripts = c.parseSourceList("source.scripts", item.Value)
		default:
			c.warn("source."+key, "unknown tag under source, ignoring")
		}
	}

	if len(c.Files) == 0 && len(c.Scripts) == 0 {
		c.warn("source", "no files or scripts found")
		return false
	}
	return true
}

func (c *Config) parseSourceList(path string, v interface{}) []SourceEntry {
	if _, ok := v.([]interface{}); !ok {
		c.warn(path, "tag is empty or not a list")
		return nil
	}

	var entries []SourceEntry
	if err := remarshal(v, &entries); err != nil {
		c.warn(path, "%v", err)
		return nil
	}

	valid := entries[:0]
	for i, e := range entries {
		if e.err != nil {
			c.warn(fmt.Sprintf("%s[%d]", path, i), "%v", e.err)
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		c.warn(path, "no usable entries")
	}
	return valid
}

// serverKeys enumerates the keys a target section may contain.
var serverKeys = map[string]bool{
	"hostname":  true,
	"username":  true,
	"password":  true,
	"port":      true,
	"sshconfig": true,
	"hostkey":   true,
	"identity":  true,
}

func (c *Config) parseTargets(v interface{}) bool {
	section, ok := v.(yaml.MapSlice)
	if !ok || len(section) == 0 {
		c.warn("target", "section is empty or not a mapping")
		return false
	}

	for _, item := range section {
		name := fmt.Sprint(item.Key)
		path := "target." + name

		fields, ok := item.Value.(yaml.MapSlice)
		if !ok {
			c.warn(path, "target is not a mapping")
			continue
		}
		var (
			rest yaml.MapSlice
			port interface{}
		)
		for _, f := range fields {
			key := fmt.Sprint(f.Key)
			switch {
			case !serverKeys[key]:
				c.warn(path+"."+key, "unknown tag, ignoring")
			case key == "port":
				port = f.Value
			default:
				rest = append(rest, f)
			}
		}

		var sf ServerFields
		if len(rest) > 0 {
			if err := remarshal(rest, &sf); err != nil {
				c.warn(path, "%s", typeErrorMessage(err))
				continue
			}
		}
		if port != nil {
			n, err := parsePort(port)
			if err != nil {
				c.warn(path+".port", "%v, using default port %d", err, DefaultPort)
			}
			sf.Port = n
		}
		c.Targets = append(c.Targets, TargetEntry{Name: name, Fields: sf})
	}

	if len(c.Targets) == 0 {
		c.warn("target", "no usable targets")
		return false
	}
	return true
}

// parsePort accepts a port given as a number or a numeric string. On error
// it returns 0 so the target falls back to DefaultPort.
func parsePort(v interface{}) (int, error) {
	switch p := v.(type) {
	case int:
		return p, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, errors.Errorf("port %q is not a number", p)
		}
		return n, nil
	default:
		return 0, errors.Errorf("port %v is not a number", p)
	}
}

// typeErrorMessage drops the line numbers yaml reports, which refer to the
// re-marshalled snippet rather than the configuration file.
func typeErrorMessage(err error) string {
	te, ok := err.(*yaml.TypeError)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(te.Errors))
	for _, m := range te.Errors {
		if strings.HasPrefix(m, "line ") {
			if i := strings.Index(m, ": "); i >= 0 {
				m = m[i+2:]
			}
		}
		msgs = append(msgs, m)
	}
	return strings.Join(msgs, "; ")
}

// remarshal decodes an already parsed YAML value into a typed struct.
func remarshal(in, out interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
