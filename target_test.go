package disser

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

type mapStore map[string]HostEntry

func (m mapStore) Lookup(alias string) (HostEntry, error) {
	e, ok := m[alias]
	if !ok {
		return HostEntry{Port: 22}, nil
	}
	return e, nil
}

func testParser(t *testing.T, store HostConfigStore) *TargetParser {
	p := NewTargetParser(zaptest.NewLogger(t).Sugar())
	p.defaultUser = "runner"
	p.openHostConfig = func(path string) (HostConfigStore, error) {
		if path == "missing" {
			return nil, errors.New("sshconfig missing: no such file")
		}
		return store, nil
	}
	return p
}

func TestParseTarget(t *testing.T) {
	store := mapStore{
		"web": {HostName: "10.1.1.1", Port: 2200, User: "ops", IdentityFiles: []string{"/keys/web"}},
		"multi": {
			HostName:      "10.1.1.2",
			Port:          22,
			IdentityFiles: []string{"/keys/first", "/keys/second"},
		},
	}

	tests := []struct {
		name   string
		fields ServerFields
		want   TargetServer
		err    bool
	}{
		{
			name:   "plain",
			fields: ServerFields{Hostname: "h1", Username: "u", Password: "p"},
			want:   TargetServer{Name: "plain", Hostname: "h1", Username: "u", Password: "p", Port: 22},
		},
		{
			name:   "default user",
			fields: ServerFields{Hostname: "h1", Password: "p", Port: 2022},
			want:   TargetServer{Name: "default user", Hostname: "h1", Username: "runner", Password: "p", Port: 2022},
		},
		{
			name:   "alias",
			fields: ServerFields{SSHConfig: "cfg", HostKey: "web"},
			want: TargetServer{Name: "alias", Hostname: "10.1.1.1", Username: "ops", IdentityFile: "/keys/web",
				Port: 2200, SSHConfig: "cfg", HostAlias: "web"},
		},
		{
			name:   "alias keeps configured user",
			fields: ServerFields{SSHConfig: "cfg", HostKey: "web", Username: "deploy"},
			want: TargetServer{Name: "alias keeps configured user", Hostname: "10.1.1.1", Username: "deploy",
				IdentityFile: "/keys/web", Port: 2200, SSHConfig: "cfg", HostAlias: "web"},
		},
		{
			name:   "alias wins over conflicting hostname",
			fields: ServerFields{SSHConfig: "cfg", HostKey: "web", Hostname: "10.9.9.9"},
			want: TargetServer{Name: "alias wins over conflicting hostname", Hostname: "10.1.1.1", Username: "ops",
				IdentityFile: "/keys/web", Port: 2200, SSHConfig: "cfg", HostAlias: "web"},
		},
		{
			name:   "first of many identities",
			fields: ServerFields{SSHConfig: "cfg", HostKey: "multi"},
			want: TargetServer{Name: "first of many identities", Hostname: "10.1.1.2", Username: "runner",
				IdentityFile: "/keys/first", Port: 22, SSHConfig: "cfg", HostAlias: "multi"},
		},
		{
			name:   "unknown alias falls back to alias",
			fields: ServerFields{SSHConfig: "cfg", HostKey: "bastion.example.com", Password: "p"},
			want: TargetServer{Name: "unknown alias falls back to alias", Hostname: "bastion.example.com",
				Username: "runner", Password: "p", Port: 22, SSHConfig: "cfg", HostAlias: "bastion.example.com"},
		},
		{
			name:   "hostkey without sshconfig is ignored",
			fields: ServerFields{Hostname: "h1", Password: "p", HostKey: "web"},
			want:   TargetServer{Name: "hostkey without sshconfig is ignored", Hostname: "h1", Username: "runner", Password: "p", Port: 22, HostAlias: "web"},
		},
		{name: "missing hostname", fields: ServerFields{Password: "p"}, err: true},
		{name: "missing auth", fields: ServerFields{Hostname: "h1"}, err: true},
		{name: "port out of range", fields: ServerFields{Hostname: "h1", Password: "p", Port: 65536}, err: true},
		{name: "sshconfig without hostkey", fields: ServerFields{SSHConfig: "cfg", Password: "p"}, err: true},
		{name: "sshconfig unreadable", fields: ServerFields{SSHConfig: "missing", HostKey: "web"}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testParser(t, store).Parse(tt.name, tt.fields)
			if tt.err {
				if err == nil {
					t.Fatalf("expected an error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got  %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestTargetStringRedactsPassword(t *testing.T) {
	target := TargetServer{Name: "web1", Hostname: "h", Username: "u", Password: "hunter2", Port: 22}
	if s := target.String(); strings.Contains(s, "hunter2") || !strings.Contains(s, "password (****)") {
		t.Errorf("String() = %q", s)
	}
	target.Password = ""
	if s := target.String(); !strings.Contains(s, "password (NONE)") {
		t.Errorf("String() = %q", s)
	}
	if id := target.ID(); id != "web1 (u@h:22)" {
		t.Errorf("ID() = %q", id)
	}
}

func TestOpenSSHConfig(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	file := filepath.Join(t.TempDir(), "config")
	data := `
Host web
  HostName 192.168.10.5
  Port 2201
  User deploy
  IdentityFile ~/.ssh/web_ed25519
  IdentityFile /keys/fallback

Host db-*
  User dba

Host *
  IdentityFile /keys/default
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := OpenSSHConfig(file)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := store.Lookup("web")
	if err != nil {
		t.Fatal(err)
	}
	want := HostEntry{
		HostName:      "192.168.10.5",
		Port:          2201,
		User:          "deploy",
		IdentityFiles: []string{filepath.Join(home, ".ssh/web_ed25519"), "/keys/fallback", "/keys/default"},
	}
	if !reflect.DeepEqual(entry, want) {
		t.Errorf("web = %+v, want %+v", entry, want)
	}

	entry, err = store.Lookup("db-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.HostName != "" || entry.User != "dba" || entry.Port != 22 {
		t.Errorf("db-1 = %+v", entry)
	}

	if _, err := OpenSSHConfig(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	for in, want := range map[string]string{
		"~":             home,
		"~/.ssh/id_rsa": filepath.Join(home, ".ssh/id_rsa"),
		"/etc/hosts":    "/etc/hosts",
		"~other/x":      "~other/x",
		"":              "",
	} {
		if got := ExpandPath(in); got != want {
			t.Errorf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
