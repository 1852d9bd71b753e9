package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adamwasila/disser"
	"github.com/adamwasila/disser/internal/logger"
	"github.com/adamwasila/disser/ssh"
)

var version = "develop"

const (
	exitOK = iota
	exitUsage
	exitConfigUnreadable
	exitConfigInvalid
	exitNoSource
	exitNoTarget
	exitNoUnits
	exitFailures
)

// ErrFailures reports that the run finished with failed targets, units or
// scripts while --fail-on-error was set.
var ErrFailures = errors.New("some transfers or scripts failed")

type options struct {
	file            string
	logFile         string
	execute         bool
	concurrency     int
	connectTimeout  time.Duration
	transferTimeout time.Duration
	retries         int
	knownHosts      string
	insecure        bool
	resultJSON      string
	failOnError     bool
	debug           bool
}

// newDialer is replaced in tests.
var newDialer = func(log *zap.SugaredLogger, opts options) disser.Dialer {
	return ssh.NewDialer(log, ssh.Options{
		KnownHostsFile:        opts.knownHosts,
		InsecureIgnoreHostKey: opts.insecure,
		Timeout:               opts.connectTimeout,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		opts   options
		runErr error
		ran    bool
	)

	cmd := &cobra.Command{
		Use:     "disser -f <config>",
		Short:   "Disseminate files and scripts to SSH targets",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ran = true
			runErr = run(ctx, opts, stdout)
			return runErr
		},
	}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "configuration file")
	flags.StringVarP(&opts.logFile, "log", "l", "", "log to this file instead of the console")
	flags.BoolVarP(&opts.execute, "execute", "x", false, "execute scripts after transfer")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 1, "number of targets processed at once")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", disser.DefaultConnectTimeout, "dial and handshake timeout")
	flags.DurationVar(&opts.transferTimeout, "transfer-timeout", disser.DefaultTransferTimeout, "timeout for each transfer and script")
	flags.IntVar(&opts.retries, "retries", disser.DefaultRetries, "retries for transient transfer errors")
	flags.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file used to verify host keys")
	flags.BoolVar(&opts.insecure, "insecure-ignore-host-key", false, "skip host key verification")
	flags.StringVar(&opts.resultJSON, "result-json-file", "", "write the run report as JSON to this file")
	flags.BoolVar(&opts.failOnError, "fail-on-error", false, "exit non-zero when any target, transfer or script failed")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	if err := cmd.Execute(); err != nil {
		if !ran {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			fmt.Fprintln(stderr, cmd.UsageString())
			return exitUsage
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(runErr)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, disser.ErrConfigNotFound), errors.Is(err, disser.ErrConfigUnreadable):
		return exitConfigUnreadable
	case errors.Is(err, disser.ErrConfigEmpty), errors.Is(err, disser.ErrConfigMalformed):
		return exitConfigInvalid
	case errors.Is(err, disser.ErrNoSource):
		return exitNoSource
	case errors.Is(err, disser.ErrNoTarget):
		return exitNoTarget
	case errors.Is(err, disser.ErrNoTransferUnits):
		return exitNoUnits
	case errors.Is(err, ErrFailures):
		return exitFailures
	default:
		return exitUsage
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	log := logger.New(logger.Options{File: opts.logFile, Debug: opts.debug})
	defer log.Sync()

	conf, err := disser.LoadConfig(opts.file)
	if conf != nil {
		for _, w := range conf.Warnings {
			log.Named("config").Warnw(w.Message, "path", w.Path)
		}
	}
	if err != nil {
		log.Named("config").Errorw("cannot use configuration", "file", opts.file, "error", err)
		return err
	}

	resolver, err := disser.NewResolver(log.Named("resolver"))
	if err != nil {
		return err
	}

	d := disser.New(log.Named("disser"), resolver, newDialer(log.Named("ssh"), opts), disser.Options{
		Execute:         opts.execute,
		Concurrency:     opts.concurrency,
		ConnectTimeout:  opts.connectTimeout,
		TransferTimeout: opts.transferTimeout,
		Retries:         opts.retries,
		Output:          out,
	})
	for _, item := range conf.Sources() {
		d.AddSource(item)
	}
	for _, t := range conf.ParseTargets(disser.NewTargetParser(log.Named("config"))) {
		if err := d.AddTarget(t); err != nil {
			log.Named("config").Warnw("target not added", "target", t.ID(), "error", err)
		}
	}

	report, err := d.Run(ctx)
	if err != nil {
		log.Errorw("nothing to do", "error", err)
		return err
	}

	if opts.resultJSON != "" {
		if err := report.WriteJSON(opts.resultJSON); err != nil {
			log.Errorw("cannot write result file", "error", err)
			return err
		}
	}

	if opts.failOnError && report.HasFailures() {
		return ErrFailures
	}
	return nil
}
