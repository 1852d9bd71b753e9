package disser

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultPort = 22

// ServerFields are the per-target keys of the configuration document.
type ServerFields struct {
	Hostname  string `yaml:"hostname"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Port      int    `yaml:"port"`
	SSHConfig string `yaml:"sshconfig"`
	HostKey   string `yaml:"hostkey"` // Host alias to look up in SSHConfig.
	Identity  string `yaml:"identity"`
}

// TargetServer is a named remote endpoint. It is immutable once built.
type TargetServer struct {
	Name         string
	Hostname     string
	Username     string
	Password     string
	IdentityFile string
	Port         int
	SSHConfig    string
	HostAlias    string
}

// String describes the target with the password redacted.
func (t TargetServer) String() string {
	password := "NONE"
	if t.Password != "" {
		password = "****"
	}
	return fmt.Sprintf("%s, hostname (%s), username (%s), password (%s), port (%d), sshconfig (%s), hostkey (%s), identity (%s)",
		t.Name, t.Hostname, t.Username, password, t.Port, t.SSHConfig, t.HostAlias, t.IdentityFile)
}

// ID is the short identity used in diagnostics: name and user@host:port.
func (t TargetServer) ID() string {
	return fmt.Sprintf("%s (%s@%s)", t.Name, t.Username, t.Address())
}

// Address is the host:port to dial.
func (t TargetServer) Address() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// Validate checks the invariants every target handed to Disser satisfies.
func (t TargetServer) Validate() error {
	if t.Hostname == "" {
		return errors.Errorf("target %s: missing hostname", t.Name)
	}
	if t.Password == "" && t.IdentityFile == "" {
		return errors.Errorf("target %s: missing password without valid identity", t.Name)
	}
	if t.Port < 1 || t.Port > 65535 {
		return errors.Errorf("target %s: port %d out of range", t.Name, t.Port)
	}
	return nil
}

// TargetParser turns configuration fields into validated targets, reading
// host aliases from the SSH client configuration when asked to.
type TargetParser struct {
	log            *zap.SugaredLogger
	openHostConfig func(path string) (HostConfigStore, error)
	defaultUser    string
}

// NewTargetParser creates a parser that reads OpenSSH config files.
func NewTargetParser(log *zap.SugaredLogger) *TargetParser {
	return &TargetParser{
		log:            log,
		openHostConfig: OpenSSHConfig,
		defaultUser:    os.Getenv("USER"),
	}
}

// Parse builds the target called name. Every reason for rejecting a target
// is logged before the error is returned.
func (p *TargetParser) Parse(name string, f ServerFields) (TargetServer, error) {
	t := TargetServer{
		Name:         name,
		Hostname:     f.Hostname,
		Username:     f.Username,
		Password:     f.Password,
		IdentityFile: ExpandPath(f.Identity),
		Port:         f.Port,
		SSHConfig:    f.SSHConfig,
		HostAlias:    f.HostKey,
	}
	if t.Port == 0 {
		t.Port = DefaultPort
	}

	if t.SSHConfig != "" {
		if err := p.applyHostConfig(&t); err != nil {
			p.log.Errorw("invalid target", "target", t.String(), "error", err)
			return TargetServer{}, err
		}
	} else if t.HostAlias != "" {
		p.log.Warnw("hostkey given without sshconfig, ignoring it", "target", name, "hostkey", t.HostAlias)
	}

	if t.Username == "" && p.defaultUser != "" {
		t.Username = p.defaultUser
		p.log.Infow("no username configured, using current user", "target", name, "username", t.Username)
	}

	if err := t.Validate(); err != nil {
		p.log.Errorw("invalid target", "target", t.String(), "error", err)
		return TargetServer{}, err
	}

	p.log.Infow("successfully parsed target", "target", t.String())
	return t, nil
}

func (p *TargetParser) applyHostConfig(t *TargetServer) error {
	if t.HostAlias == "" {
		return errors.Errorf("sshconfig (%s) without hostkey, did you put it under hostname?", t.SSHConfig)
	}

	store, err := p.openHostConfig(t.SSHConfig)
	if err != nil {
		return err
	}

	entry, err := store.Lookup(t.HostAlias)
	if err != nil {
		return err
	}

	hostname := entry.HostName
	if hostname == "" {
		p.log.Warnw("alias has no HostName, using the alias itself", "target", t.Name, "hostkey", t.HostAlias)
		hostname = t.HostAlias
	}
	switch {
	case t.Hostname == "":
	case t.Hostname == hostname:
		p.log.Warnw("hostname is unnecessary when using sshconfig, values match",
			"target", t.Name, "hostname", t.Hostname)
	default:
		p.log.Errorw("hostname conflicts with sshconfig, sshconfig takes precedence",
			"target", t.Name, "hostname", t.Hostname, "sshconfig_hostname", hostname)
	}
	t.Hostname = hostname

	if entry.Port != 0 {
		t.Port = entry.Port
	}

	if len(entry.IdentityFiles) > 0 {
		if len(entry.IdentityFiles) > 1 {
			p.log.Warnw("multiple identity files not supported, first identity will be used",
				"target", t.Name, "identity", entry.IdentityFiles[0], "count", len(entry.IdentityFiles))
		}
		t.IdentityFile = entry.IdentityFiles[0]
	}

	if t.Username == "" {
		t.Username = entry.User
	}
	return nil
}
