package ssh

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/adamwasila/disser"
)

// DefaultTimeout bounds dial and handshake when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrConnect describes a failed connection attempt.
type ErrConnect struct {
	User   string
	Host   string
	Reason string
}

func (e ErrConnect) Error() string {
	return fmt.Sprintf(`Connect("%v@%v"): %v`, e.User, e.Host, e.Reason)
}

// Options configure how targets are dialed.
type Options struct {
	// KnownHostsFile verifies host keys. When empty, ~/.ssh/known_hosts is
	// used if it exists; otherwise host keys are accepted with a warning.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
	// AgentSocket overrides $SSH_AUTH_SOCK.
	AgentSocket string
	Retry       RetryConfig
}

// Dialer opens SSH+SFTP connections to targets.
type Dialer struct {
	log  *zap.SugaredLogger
	opts Options
}

var _ disser.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer. A zero Retry config means DefaultRetryConfig.
func NewDialer(log *zap.SugaredLogger, opts Options) *Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	return &Dialer{log: log, opts: opts}
}

// Dial connects and authenticates to t and opens an SFTP session on the
// connection. Errors carry disser.ConnectionFailure when the target could
// not be reached and disser.AuthFailure when the SSH handshake failed.
func (d *Dialer) Dial(ctx context.Context, t disser.TargetServer) (disser.Client, error) {
	log := d.log.With("target", t.ID())
	addr := t.Address()

	auth, closeAgent, err := d.authMethods(t, log)
	if err != nil {
		return nil, disser.NewError(disser.AuthFailure, t.ID(), "", ErrConnect{t.Username, addr, err.Error()})
	}
	defer closeAgent()

	hostKeyCallback, err := d.hostKeyCallback(log)
	if err != nil {
		return nil, disser.NewError(disser.ConnectionFailure, t.ID(), "", ErrConnect{t.Username, addr, err.Error()})
	}

	config := &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.Timeout,
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, disser.NewError(disser.ConnectionFailure, t.ID(), "", ErrConnect{t.Username, addr, err.Error()})
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, disser.NewError(disser.ConnectionFailure, t.ID(), "", ErrConnect{t.Username, addr, err.Error()})
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		kind := disser.AuthFailure
		var netErr net.Error
		if (errors.As(err, &netErr) && netErr.Timeout()) || ctx.Err() != nil {
			kind = disser.ConnectionFailure
		}
		return nil, disser.NewError(kind, t.ID(), "", ErrConnect{t.Username, addr, err.Error()})
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		ncc.Close()
		return nil, disser.NewError(disser.ConnectionFailure, t.ID(), "", ErrConnect{t.Username, addr, err.Error()})
	}

	sshClient := ssh.NewClient(ncc, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, disser.NewError(disser.ConnectionFailure, t.ID(), "", errors.Wrap(err, "start sftp subsystem"))
	}

	log.Debugw("ssh session established", "user", t.Username, "address", addr)
	return &Client{
		target: t,
		log:    log,
		retry:  d.opts.Retry,
		conn:   sshClient,
		sftp:   sftpClient,
	}, nil
}

// authMethods offers the identity file first, then the password, then any
// keys held by a running ssh-agent. The returned func releases the agent.
func (d *Dialer) authMethods(t disser.TargetServer, log *zap.SugaredLogger) ([]ssh.AuthMethod, func(), error) {
	var (
		methods []ssh.AuthMethod
		keyErr  error
	)
	noop := func() {}

	if t.IdentityFile != "" {
		signer, err := loadSigner(t.IdentityFile)
		if err != nil {
			keyErr = err
			log.Warnw("cannot use identity file", "identity", t.IdentityFile, "error", err)
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if t.Password != "" {
		password := t.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	sock := d.opts.AgentSocket
	if sock == "" {
		sock = os.Getenv("SSH_AUTH_SOCK")
	}
	closeAgent := noop
	if sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		} else {
			log.Debugw("ssh-agent not reachable", "socket", sock, "error", err)
		}
	}

	if len(methods) == 0 {
		if keyErr != nil {
			return nil, noop, keyErr
		}
		return nil, noop, errors.New("no authentication method available")
	}
	return methods, closeAgent, nil
}

func loadSigner(identity string) (ssh.Signer, error) {
	data, err := os.ReadFile(disser.ExpandPath(identity))
	if err != nil {
		return nil, errors.Wrap(err, "read identity file")
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse identity file %s", identity)
	}
	return signer, nil
}

func (d *Dialer) hostKeyCallback(log *zap.SugaredLogger) (ssh.HostKeyCallback, error) {
	if d.opts.InsecureIgnoreHostKey {
		log.Warnw("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if d.opts.KnownHostsFile != "" {
		file := disser.ExpandPath(d.opts.KnownHostsFile)
		callback, err := knownhosts.New(file)
		if err != nil {
			return nil, errors.Wrapf(err, "load known_hosts %s", file)
		}
		return callback, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		file := filepath.Join(home, ".ssh", "known_hosts")
		if _, err := os.Stat(file); err == nil {
			callback, err := knownhosts.New(file)
			if err == nil {
				return callback, nil
			}
			log.Warnw("cannot parse known_hosts", "file", file, "error", err)
		}
	}

	log.Warnw("no known_hosts file found, accepting host key without verification")
	return ssh.InsecureIgnoreHostKey(), nil
}

// Client is an SSH connection with an SFTP session riding on it.
type Client struct {
	target disser.TargetServer
	log    *zap.SugaredLogger
	retry  RetryConfig
	conn   *ssh.Client
	sftp   *sftp.Client
}

var _ disser.Client = (*Client)(nil)

func (c *Client) retryConfig(retries int) RetryConfig {
	cfg := c.retry
	cfg.MaxRetries = retries
	return cfg
}

func (c *Client) ioError(remote string, err error) error {
	return disser.NewError(disser.PerFileIOFailure, c.target.ID(), remote, err)
}

// Put uploads local to remote, overwriting it.
func (c *Client) Put(ctx context.Context, local, remote string, confirm bool, retries int) error {
	err := Retry(ctx, c.log, c.retryConfig(retries), "upload "+remote, func() error {
		return c.put(ctx, local, remote, confirm)
	})
	return c.ioError(remote, err)
}

func (c *Client) put(ctx context.Context, local, remote string, confirm bool) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "upload cancelled")
	}

	src, err := os.Open(local)
	if err != nil {
		return errors.Wrap(err, "open local file")
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return errors.Wrap(err, "stat local file")
	}

	dst, err := c.sftp.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.Wrap(err, "create remote file")
	}

	done := make(chan error, 1)
	go func() {
		_, err := dst.ReadFrom(src)
		done <- err
	}()

	select {
	case <-ctx.Done():
		dst.Close()
		return errors.Wrap(ctx.Err(), "upload cancelled")
	case err := <-done:
		if err != nil {
			dst.Close()
			return errors.Wrap(err, "copy file content")
		}
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, "close remote file")
	}

	if !confirm {
		return nil
	}
	st, err := c.sftp.Stat(remote)
	if err != nil {
		return errors.Wrap(err, "confirm upload")
	}
	if st.Size() != info.Size() {
		return errors.Errorf("confirm upload: size mismatch, remote %d bytes, local %d bytes", st.Size(), info.Size())
	}
	return nil
}

// PutRecursive mirrors localDir into remoteDir. Symlinks and special files
// are skipped.
func (c *Client) PutRecursive(ctx context.Context, localDir, remoteDir string, confirm bool, retries int) error {
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "upload cancelled")
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remote := path.Join(remoteDir, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := c.sftp.MkdirAll(remote); err != nil {
				return errors.Wrapf(err, "create remote directory %s", remote)
			}
		case d.Type().IsRegular():
			err := Retry(ctx, c.log, c.retryConfig(retries), "upload "+remote, func() error {
				return c.put(ctx, p, remote, confirm)
			})
			if err != nil {
				return errors.Wrapf(err, "upload %s", remote)
			}
		default:
			c.log.Debugw("skipping non-regular file", "path", p, "type", d.Type().String())
			return nil
		}

		if err := c.sftp.Chmod(remote, info.Mode().Perm()); err != nil {
			return errors.Wrapf(err, "chmod %s", remote)
		}
		return nil
	})
	return c.ioError(remoteDir, err)
}

func (c *Client) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return c.ioError(dir, err)
	}
	return c.ioError(dir, c.sftp.MkdirAll(dir))
}

func (c *Client) Chmod(ctx context.Context, remote string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return c.ioError(remote, err)
	}
	return c.ioError(remote, c.sftp.Chmod(remote, mode))
}

// Execute runs command in a new session. Output lines are returned even
// when the command fails.
func (c *Client) Execute(ctx context.Context, command string) ([]string, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, disser.NewError(disser.PerScriptFailure, c.target.ID(), "", errors.Wrap(err, "open session"))
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return nil, disser.NewError(disser.PerScriptFailure, c.target.ID(), "", errors.Wrap(ctx.Err(), "execution cancelled"))
	case r := <-done:
		lines := splitLines(string(r.out))
		if r.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(r.err, &exitErr) {
				r.err = errors.Errorf("exited with status %d", exitErr.ExitStatus())
			}
			return lines, disser.NewError(disser.PerScriptFailure, c.target.ID(), "", r.err)
		}
		return lines, nil
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// Close closes the SFTP session and the underlying connection.
func (c *Client) Close() error {
	c.sftp.Close()
	return c.conn.Close()
}
