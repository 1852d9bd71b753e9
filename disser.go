package disser

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/goware/prefixer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultTransferTimeout = 10 * time.Minute
	DefaultRetries         = 3
)

// Options tune a run.
type Options struct {
	Execute         bool          // Run transferred scripts after the transfer.
	Concurrency     int           // Targets processed at once; 1 means sequential.
	ConnectTimeout  time.Duration // Dial and handshake.
	TransferTimeout time.Duration // Each unit and each script.
	Retries         int           // Transport retries for transient I/O errors.
	Output          io.Writer     // Script output prefixed with the target name; nil to only log it.
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.TransferTimeout <= 0 {
		o.TransferTimeout = DefaultTransferTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return o
}

// Disser fans resolved sources out to every target. Each target gets one
// connection for the whole batch, and failures stay contained to the unit,
// script or target they happened on.
type Disser struct {
	log      *zap.SugaredLogger
	resolver *Resolver
	dialer   Dialer
	opts     Options

	sources []SourceItem
	targets []TargetServer

	outMu sync.Mutex
}

// New creates a Disser.
func New(log *zap.SugaredLogger, resolver *Resolver, dialer Dialer, opts Options) *Disser {
	return &Disser{
		log:      log,
		resolver: resolver,
		dialer:   dialer,
		opts:     opts.withDefaults(),
	}
}

// AddFileSource declares a file, directory or glob source.
func (d *Disser) AddFileSource(input, destination string) {
	d.AddSource(NewFileSource(input, destination))
}

// AddScriptSource declares an executable script source.
func (d *Disser) AddScriptSource(input, destination string) {
	d.AddSource(NewScriptSource(input, destination))
}

// AddSource declares a source item.
func (d *Disser) AddSource(item SourceItem) {
	d.sources = append(d.sources, item)
}

// AddTarget adds t to the run. Invalid targets are logged and rejected.
func (d *Disser) AddTarget(t TargetServer) error {
	if err := t.Validate(); err != nil {
		d.log.Errorw("dropping invalid target", "target", t.String(), "error", err)
		return err
	}
	d.targets = append(d.targets, t)
	return nil
}

// Targets returns the targets in insertion order.
func (d *Disser) Targets() []TargetServer {
	return append([]TargetServer(nil), d.targets...)
}

// Units resolves the declared sources against the filesystem as it is now.
func (d *Disser) Units() ([]SourceItem, []TransferUnit) {
	return d.resolver.ResolveAll(d.sources)
}

// Run transfers every unit to every target and, if requested, executes the
// scripts. It returns an error only when there is nothing to do; per-target
// failures are reported in the Report.
func (d *Disser) Run(ctx context.Context) (*Report, error) {
	if len(d.targets) == 0 {
		return nil, ErrNoTarget
	}

	items, units := d.Units()
	invalid := 0
	for _, item := range items {
		if !item.Valid {
			invalid++
		}
	}
	d.log.Infow("resolved sources", "sources", len(items), "invalid", invalid, "units", len(units))
	if len(units) == 0 {
		return nil, ErrNoTransferUnits
	}

	outcomes := make([]TargetOutcome, len(d.targets))
	sem := make(chan struct{}, d.opts.Concurrency)
	var wg sync.WaitGroup

	for i, t := range d.targets {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[i] = cancelledOutcome(t, ctx.Err())
			d.log.Warnw("run cancelled, target not started", "target", t.ID())
			continue
		}

		wg.Add(1)
		go func(i int, t TargetServer) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.runTarget(ctx, t, units)
		}(i, t)
	}
	wg.Wait()

	report := newReport(outcomes)
	d.log.Infow("run finished",
		"targets", report.Summary.Targets,
		"done", report.Summary.Done,
		"failed", report.Summary.Failed,
		"transferred", report.Summary.Transferred,
		"file_failures", report.Summary.FileFailures,
		"script_failures", report.Summary.ScriptFailures)
	return report, nil
}

func cancelledOutcome(t TargetServer, err error) TargetOutcome {
	return TargetOutcome{
		Target:  t.Name,
		Address: t.Address(),
		State:   StateFailed,
		Error:   err.Error(),
	}
}

// runTarget drives one target through its lifecycle. It always returns a
// terminal outcome, even if the transport panics.
func (d *Disser) runTarget(ctx context.Context, t TargetServer, units []TransferUnit) (outcome TargetOutcome) {
	log := d.log.With("target", t.ID())
	outcome = TargetOutcome{Target: t.Name, Address: t.Address(), State: StateIdle}

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("target worker panicked", "panic", r, "state", outcome.State.String())
			outcome.Failure = panicKind(outcome.State)
			outcome.State = StateFailed
			outcome.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	move := func(next TargetState) bool {
		if err := outcome.State.transition(next); err != nil {
			log.Errorw("invalid target state", "error", err)
			outcome.fail(err, KindNone)
			return false
		}
		return true
	}

	if !move(StateConnecting) {
		return outcome
	}
	if err := ctx.Err(); err != nil {
		outcome.fail(err, KindNone)
		return outcome
	}

	client, err := d.connect(ctx, t)
	if err != nil {
		kind := KindOf(err, ConnectionFailure)
		if kind == AuthFailure {
			log.Errorw("cannot authenticate/ssh to target", "kind", kind, "server", t.String(), "error", err)
		} else {
			log.Errorw("cannot connect to target", "kind", kind, "server", t.String(), "error", err)
		}
		outcome.fail(err, ConnectionFailure)
		return outcome
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warnw("closing connection failed", "error", err)
		}
	}()
	log.Infow("connected")

	if !move(StateTransferring) {
		return outcome
	}
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			outcome.Units = append(outcome.Units, UnitOutcome{
				Local: u.LocalPath, Remote: u.RemotePath, IsDir: u.IsDir,
				Kind: PerFileIOFailure, Error: err.Error(),
			})
			continue
		}
		outcome.Units = append(outcome.Units, d.transferUnit(ctx, client, u, log))
	}

	if d.opts.Execute && ctx.Err() == nil {
		if !move(StateExecuting) {
			return outcome
		}
		for i, u := range units {
			if !u.Script {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			if outcome.Units[i].Error != "" {
				log.Warnw("script was not transferred, not executing it", "script", u.RemotePath)
				outcome.Scripts = append(outcome.Scripts, ScriptOutcome{
					Remote: u.RemotePath, Kind: PerScriptFailure, Error: "not transferred",
				})
				continue
			}
			outcome.Scripts = append(outcome.Scripts, d.runScript(ctx, client, t, u, log))
		}
	}

	if err := ctx.Err(); err != nil {
		log.Warnw("run cancelled", "error", err)
		outcome.fail(err, KindNone)
		return outcome
	}

	move(StateDone)
	log.Infow("target done",
		"transferred", outcome.Transferred(),
		"failed", outcome.FailedUnits(),
		"scripts", len(outcome.Scripts),
		"script_failures", outcome.FailedScripts())
	return outcome
}

// panicKind classifies a worker panic by the stage it interrupted.
func panicKind(s TargetState) ErrorKind {
	switch s {
	case StateTransferring:
		return PerFileIOFailure
	case StateExecuting:
		return PerScriptFailure
	default:
		return ConnectionFailure
	}
}

func (d *Disser) connect(ctx context.Context, t TargetServer) (Client, error) {
	dctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	client, err := d.dialer.Dial(dctx, t)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(ConnectionFailure, t.ID(), "", err)
		}
		return nil, NewError(KindOf(err, ConnectionFailure), t.ID(), "", err)
	}
	return client, nil
}

// unitContext bounds an in-flight operation by the transfer timeout but not
// by cancellation of the run, so a started unit finishes or fails cleanly.
func (d *Disser) unitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.opts.TransferTimeout)
}

func (d *Disser) transferUnit(ctx context.Context, c Client, u TransferUnit, log *zap.SugaredLogger) UnitOutcome {
	res := UnitOutcome{Local: u.LocalPath, Remote: u.RemotePath, IsDir: u.IsDir}

	uctx, cancel := d.unitContext(ctx)
	defer cancel()

	mode, err := d.put(uctx, c, u)
	if err != nil {
		res.Kind = PerFileIOFailure
		res.Error = err.Error()
		log.Errorw("transfer failed", "kind", PerFileIOFailure, "local", u.LocalPath, "remote", u.RemotePath, "error", err)
		return res
	}

	log.Infow("transferred", "local", u.LocalPath, "remote", u.RemotePath, "mode", mode.String())
	return res
}

// put ensures the remote parent exists, uploads the unit and copies the
// local permission bits onto the remote item.
func (d *Disser) put(ctx context.Context, c Client, u TransferUnit) (os.FileMode, error) {
	info, err := os.Stat(u.LocalPath)
	if err != nil {
		return 0, errors.Wrap(err, "stat local source")
	}
	mode := info.Mode().Perm()

	if parent := path.Dir(u.RemotePath); parent != "." && parent != "/" {
		if err := c.MkdirAll(ctx, parent); err != nil {
			return 0, errors.Wrapf(err, "create remote directory %s", parent)
		}
	}

	if u.IsDir {
		err = c.PutRecursive(ctx, u.LocalPath, u.RemotePath, true, d.opts.Retries)
	} else {
		err = c.Put(ctx, u.LocalPath, u.RemotePath, true, d.opts.Retries)
	}
	if err != nil {
		return 0, err
	}

	if err := c.Chmod(ctx, u.RemotePath, mode); err != nil {
		return 0, errors.Wrapf(err, "chmod %s", u.RemotePath)
	}
	return mode, nil
}

func (d *Disser) runScript(ctx context.Context, c Client, t TargetServer, u TransferUnit, log *zap.SugaredLogger) ScriptOutcome {
	cmd := ScriptCommand(u.RemotePath)
	res := ScriptOutcome{Remote: u.RemotePath, Command: cmd}

	sctx, cancel := d.unitContext(ctx)
	defer cancel()

	log.Infow("executing script", "script", u.RemotePath, "command", cmd)
	lines, err := c.Execute(sctx, cmd)
	res.Output = lines
	for _, line := range lines {
		log.Infow("script output", "script", u.RemotePath, "line", line)
	}
	d.stream(t, lines)

	if err != nil {
		res.Kind = PerScriptFailure
		res.Error = err.Error()
		log.Errorw("script execution failed", "kind", PerScriptFailure, "script", u.RemotePath, "error", err)
		return res
	}
	log.Infow("script finished", "script", u.RemotePath)
	return res
}

// stream copies script output to the configured writer, every line
// prefixed with the target name.
func (d *Disser) stream(t TargetServer, lines []string) {
	if d.opts.Output == nil || len(lines) == 0 {
		return
	}

	d.outMu.Lock()
	defer d.outMu.Unlock()

	out := strings.Join(lines, "\n") + "\n"
	if _, err := io.Copy(d.opts.Output, prefixer.New(strings.NewReader(out), t.Name+" | ")); err != nil && err != io.EOF {
		d.log.Warnw("writing script output failed", "target", t.ID(), "error", err)
	}
}

// ScriptCommand returns the remote command that runs the script at remote
// from its own directory, so relative paths inside it resolve.
func ScriptCommand(remote string) string {
	return fmt.Sprintf("cd %s && %s", shellQuote(path.Dir(remote)), shellQuote("./"+path.Base(remote)))
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
