package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "deploy"
	testPassword = "s3cret"
)

// mockServer is an in-process SSH server offering password and public key
// auth, the sftp subsystem on the local filesystem and exec via /bin/sh.
type mockServer struct {
	t        *testing.T
	addr     string
	hostKey  ssh.Signer
	listener net.Listener

	mu       sync.Mutex
	commands []string
}

// generateKeyPair writes a fresh RSA private key to dir and returns its
// path together with the public key.
func generateKeyPair(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	file := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(file, pem.EncodeToMemory(&block), 0o600); err != nil {
		t.Fatal(err)
	}
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return file, pub
}

func newHostKey(t *testing.T) ssh.Signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func startMockServer(t *testing.T, authorized ssh.PublicKey) *mockServer {
	t.Helper()

	s := &mockServer{t: t, hostKey: newHostKey(t)}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(s.hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(errors.Wrap(err, "failed to listen for connection"))
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, config)
		}
	}()
	return s
}

func (s *mockServer) hostPort() (string, int) {
	tcp := s.listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *mockServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *mockServer) serve(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *mockServer) session(channel ssh.Channel, in <-chan *ssh.Request) {
	defer channel.Close()

	for req := range in {
		var payload struct{ Value string }
		switch req.Type {
		case "subsystem":
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Value != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			if err := server.Serve(); err != nil && err != io.EOF {
				s.t.Logf("sftp server: %v", err)
			}
			return
		case "exec":
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Value)
			s.mu.Unlock()

			cmd := exec.Command("/bin/sh", "-c", payload.Value)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := uint32(0)
			if err := cmd.Run(); err != nil {
				status = 1
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = uint32(exitErr.ExitCode())
				}
			}
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			if req.WantReply {
				req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
		}
	}
}
