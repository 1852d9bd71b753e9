package disser

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/pkg/errors"
)

// HostEntry is what an SSH client configuration knows about a host alias.
type HostEntry struct {
	HostName      string
	Port          int
	User          string
	IdentityFiles []string
}

// HostConfigStore looks up host aliases in an external SSH client
// configuration. It is never written to.
type HostConfigStore interface {
	Lookup(alias string) (HostEntry, error)
}

type sshConfigFile struct {
	path string
	cfg  *ssh_config.Config
}

// OpenSSHConfig parses the OpenSSH client configuration at path.
func OpenSSHConfig(path string) (HostConfigStore, error) {
	path = ExpandPath(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sshconfig %s", path)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "sshconfig %s: decode", path)
	}
	return &sshConfigFile{path: path, cfg: cfg}, nil
}

// Lookup resolves alias with OpenSSH first-match semantics, so wildcard
// Host blocks contribute values too.
func (s *sshConfigFile) Lookup(alias string) (HostEntry, error) {
	entry := HostEntry{Port: 22}

	hostname, err := s.cfg.Get(alias, "HostName")
	if err != nil {
		return entry, errors.Wrapf(err, "sshconfig %s: HostName for %q", s.path, alias)
	}
	entry.HostName = hostname

	port, err := s.cfg.Get(alias, "Port")
	if err != nil {
		return entry, errors.Wrapf(err, "sshconfig %s: Port for %q", s.path, alias)
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return entry, errors.Wrapf(err, "sshconfig %s: Port for %q", s.path, alias)
		}
		entry.Port = n
	}

	user, err := s.cfg.Get(alias, "User")
	if err != nil {
		return entry, errors.Wrapf(err, "sshconfig %s: User for %q", s.path, alias)
	}
	entry.User = user

	identities, err := s.cfg.GetAll(alias, "IdentityFile")
	if err != nil {
		return entry, errors.Wrapf(err, "sshconfig %s: IdentityFile for %q", s.path, alias)
	}
	for _, id := range identities {
		entry.IdentityFiles = append(entry.IdentityFiles, ExpandPath(id))
	}

	return entry, nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
