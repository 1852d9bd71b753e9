package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/adamwasila/disser"
)

// recordingClient accepts every operation and remembers uploads.
type recordingClient struct {
	mu   *sync.Mutex
	puts *[]string
}

func (c recordingClient) Put(_ context.Context, _, remote string, _ bool, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.puts = append(*c.puts, remote)
	return nil
}

func (c recordingClient) PutRecursive(ctx context.Context, local, remote string, confirm bool, retries int) error {
	return c.Put(ctx, local, remote, confirm, retries)
}

func (recordingClient) MkdirAll(context.Context, string) error             { return nil }
func (recordingClient) Chmod(context.Context, string, os.FileMode) error   { return nil }
func (recordingClient) Execute(context.Context, string) ([]string, error) { return []string{"ok"}, nil }
func (recordingClient) Close() error                                       { return nil }

func useDialer(t *testing.T, d disser.Dialer) {
	t.Helper()
	orig := newDialer
	newDialer = func(*zap.SugaredLogger, options) disser.Dialer { return d }
	t.Cleanup(func() { newDialer = orig })
}

func recordingDialer(puts *[]string) disser.Dialer {
	mu := &sync.Mutex{}
	return disser.DialerFunc(func(context.Context, disser.TargetServer) (disser.Client, error) {
		return recordingClient{mu: mu, puts: puts}, nil
	})
}

// writeConfig writes body to a config file next to a report.csv source and
// changes into that directory.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.csv"), []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "disser.yml")
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return file
}

func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--log", filepath.Join(t.TempDir(), "disser.log"))
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String() + stderr.String()
}

const validConfig = `
source:
  files:
    - report.csv: remote/report.csv
target:
  web1:
    hostname: 10.0.0.1
    username: deploy
    password: secret
  web2:
    hostname: 10.0.0.2
    username: deploy
    password: secret
`

func TestMissingFileFlag(t *testing.T) {
	if code, out := runCLI(t); code != exitUsage {
		t.Errorf("exit code = %d, want %d\n%s", code, exitUsage, out)
	}
}

func TestUnknownFlag(t *testing.T) {
	if code, _ := runCLI(t, "-f", "x.yml", "--bogus"); code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestConfigExitCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", "", exitConfigInvalid},
		{"malformed", "source: [\n  - unterminated", exitConfigInvalid},
		{"no source", "target:\n  web1:\n    hostname: h\n    password: p\n", exitNoSource},
		{"no target", "source:\n  files:\n    - report.csv\n", exitNoTarget},
		{"only invalid targets", "source:\n  files:\n    - report.csv\ntarget:\n  web1:\n    username: u\n", exitNoTarget},
		{"no units", "source:\n  files:\n    - missing.csv\ntarget:\n  web1:\n    hostname: h\n    password: p\n", exitNoUnits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var puts []string
			useDialer(t, recordingDialer(&puts))
			file := writeConfig(t, tt.body)

			if code, out := runCLI(t, "-f", file); code != tt.code {
				t.Errorf("exit code = %d, want %d\n%s", code, tt.code, out)
			}
			if len(puts) != 0 {
				t.Errorf("unexpected uploads: %v", puts)
			}
		})
	}
}

func TestConfigNotFound(t *testing.T) {
	if code, _ := runCLI(t, "-f", filepath.Join(t.TempDir(), "nope.yml")); code != exitConfigUnreadable {
		t.Errorf("exit code = %d, want %d", code, exitConfigUnreadable)
	}
}

func TestConfigIsDirectory(t *testing.T) {
	if code, _ := runCLI(t, "-f", t.TempDir()); code != exitConfigUnreadable {
		t.Errorf("exit code = %d, want %d", code, exitConfigUnreadable)
	}
}

func TestRunWritesResultFile(t *testing.T) {
	var puts []string
	useDialer(t, recordingDialer(&puts))
	file := writeConfig(t, validConfig)
	result := filepath.Join(t.TempDir(), "result.json")

	if code, out := runCLI(t, "-f", file, "--result-json-file", result, "-c", "2"); code != exitOK {
		t.Fatalf("exit code = %d\n%s", code, out)
	}
	if len(puts) != 2 || puts[0] != "remote/report.csv" || puts[1] != "remote/report.csv" {
		t.Errorf("uploads = %v", puts)
	}

	data, err := os.ReadFile(result)
	if err != nil {
		t.Fatal(err)
	}
	var report struct {
		Targets []struct {
			Target string `json:"target"`
			State  string `json:"state"`
		} `json:"targets"`
		Summary struct {
			Done        int `json:"done"`
			Transferred int `json:"transferred"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Targets) != 2 || report.Targets[0].Target != "web1" || report.Targets[1].Target != "web2" {
		t.Errorf("targets = %+v", report.Targets)
	}
	if report.Summary.Done != 2 || report.Summary.Transferred != 2 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestFailOnError(t *testing.T) {
	authFailing := disser.DialerFunc(func(_ context.Context, t disser.TargetServer) (disser.Client, error) {
		return nil, disser.NewError(disser.AuthFailure, t.ID(), "", errors.New("permission denied"))
	})

	t.Run("without flag", func(t *testing.T) {
		useDialer(t, authFailing)
		file := writeConfig(t, validConfig)
		if code, out := runCLI(t, "-f", file); code != exitOK {
			t.Errorf("exit code = %d, want %d\n%s", code, exitOK, out)
		}
	})

	t.Run("with flag", func(t *testing.T) {
		useDialer(t, authFailing)
		file := writeConfig(t, validConfig)
		code, out := runCLI(t, "-f", file, "--fail-on-error")
		if code != exitFailures {
			t.Errorf("exit code = %d, want %d\n%s", code, exitFailures, out)
		}
		if !strings.Contains(out, ErrFailures.Error()) {
			t.Errorf("output does not report failures:\n%s", out)
		}
	})
}

func TestScriptOutputIsPrefixed(t *testing.T) {
	var puts []string
	useDialer(t, recordingDialer(&puts))

	body := `
source:
  scripts:
    - deploy.sh: /opt/app/deploy.sh
target:
  web1:
    hostname: 10.0.0.1
    password: secret
`
	file := writeConfig(t, body)
	if err := os.WriteFile(filepath.Join(filepath.Dir(file), "deploy.sh"), []byte("#!/bin/sh\necho ok\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	code, out := runCLI(t, "-f", file, "-x")
	if code != exitOK {
		t.Fatalf("exit code = %d\n%s", code, out)
	}
	if !strings.Contains(out, "web1 | ok") {
		t.Errorf("missing prefixed script output:\n%s", out)
	}
}
