package main

import (
	"context"
	"os"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	testagent "github.com/httprunner/TestAgent"
	"github.com/httprunner/TestAgent/internal/config"
	"github.com/httprunner/TestAgent/internal/feishu"
	"github.com/httprunner/TestAgent/internal/telemetry"
	"github.com/httprunner/TestAgent/pkg/hostcmd"
	"github.com/httprunner/TestAgent/pkg/result"
	"github.com/httprunner/TestAgent/pkg/storage"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRunCmd() *cobra.Command {
	var (
		flagCommands           []string
		flagCommandFile        string
		flagNoADB              bool
		flagNullDevices        int
		flagAllowlist          string
		flagAllocationTimeout  time.Duration
		flagAllocationAttempts int
		flagMaxInvocations     int
		flagRefreshInterval    time.Duration
		flagRequeue            bool
		flagMetricsAddr        string
		flagWait               time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [-- command args]",
		Short: "Queue commands and run them until the queue drains",
		Example: `  testagent run -- --name smoke --test "boot=getprop sys.boot_completed"
  testagent run --command "--name a --test x=true --null-device" --no-adb --null-devices 1
  testagent run --command-file commands.txt --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			commands, err := collectCommands(flagCommands, flagCommandFile, args)
			if err != nil {
				return err
			}
			if len(commands) == 0 {
				return errors.New("no command given, use --command, --command-file or arguments after --")
			}
			ctx := cmd.Context()

			store, err := storage.Open(storage.Config{Path: rootDBPath})
			if err != nil {
				return err
			}
			defer store.Close()

			recorders := testagent.MultiRecorder{storage.NewRecorder(store)}
			if rec, err := feishu.NewDeviceRecorderFromEnv(); err != nil {
				log.Warn().Err(err).Msg("feishu device recorder disabled")
			} else if rec != nil {
				recorders = append(recorders, rec)
			}
			if uploader, err := feishu.NewResultUploaderFromEnv(); err != nil {
				log.Warn().Err(err).Msg("feishu result uploader disabled")
			} else if uploader != nil {
				reporter, err := storage.NewReporter(store, uploader, storage.ReporterConfig{
					PollInterval:  config.Duration(config.KeyReportInterval, 0),
					BatchSize:     config.Int(config.KeyReportBatch, 0),
					UploadTimeout: config.Duration(config.KeyReportTimeout, 0),
				})
				if err != nil {
					return err
				}
				reporter.Start()
				defer reporter.Close()
			}

			var metrics testagent.Metrics
			if flagMetricsAddr != "" {
				registry := prometheus.NewRegistry()
				metrics = telemetry.NewPrometheusMetrics(registry)
				srv := telemetry.NewServer(flagMetricsAddr, registry)
				srv.Start()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			pool, adbProvider, err := newPool(poolOptions{
				noADB:       flagNoADB,
				nullDevices: flagNullDevices,
				allowlist:   flagAllowlist,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			runner := &hostcmd.Runner{}
			if adbProvider != nil {
				runner.Shell = adbProvider
			}
			factory := &hostcmd.Factory{
				Runner: runner,
				Listeners: func(name string) []result.Listener {
					return []result.Listener{storage.NewResultListener(store), newSummaryListener(name)}
				},
			}

			sched, err := testagent.NewScheduler(testagent.Config{
				Pool:                     pool,
				ConfigFactory:            factory,
				AllocationTimeout:        flagAllocationTimeout,
				MaxAllocationAttempts:    flagAllocationAttempts,
				MaxConcurrentInvocations: flagMaxInvocations,
				RefreshInterval:          flagRefreshInterval,
				RequeueOnDeviceLoss:      flagRequeue,
				AgentVersion:             version,
				Recorder:                 recorders,
				Metrics:                  metrics,
			})
			if err != nil {
				return err
			}
			for _, args := range commands {
				if _, err := sched.AddCommand(args); err != nil {
					return errors.Wrapf(err, "add command %s", shellquote.Join(args...))
				}
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			sched.ShutdownOnEmpty()

			done := make(chan bool, 1)
			go func() { done <- sched.Join(flagWait) }()
			select {
			case ok := <-done:
				if !ok {
					sched.ShutdownHard()
					sched.Join(30 * time.Second)
					return errors.Errorf("commands did not finish within %s", flagWait)
				}
			case <-ctx.Done():
				log.Warn().Msg("interrupted, stopping running invocations")
				sched.ShutdownHard()
				<-done
				return ctx.Err()
			}
			log.Info().Str("db", store.Path()).Msg("all commands finished")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&flagCommands, "command", nil, "Command line to queue, repeatable")
	cmd.Flags().StringVar(&flagCommandFile, "command-file", "", "File with one command line per line")
	cmd.Flags().BoolVar(&flagNoADB, "no-adb", false, "Do not discover adb devices, use null devices only")
	cmd.Flags().IntVar(&flagNullDevices, "null-devices", config.Int(config.KeyNullDevices, 0), "Number of placeholder devices for host-only commands")
	cmd.Flags().StringVar(&flagAllowlist, "allowlist", "", "Only use these serials (default from TESTAGENT_DEVICE_ALLOWLIST)")
	cmd.Flags().DurationVar(&flagAllocationTimeout, "allocation-timeout", config.Duration(config.KeyAllocationTimeout, 30*time.Second), "Time a command waits for devices per attempt")
	cmd.Flags().IntVar(&flagAllocationAttempts, "allocation-attempts", config.Int(config.KeyAllocationAttempts, 10), "Allocation attempts before a command fails")
	cmd.Flags().IntVar(&flagMaxInvocations, "max-invocations", config.Int(config.KeyMaxInvocations, 0), "Maximum concurrent invocations, 0 for unlimited")
	cmd.Flags().DurationVar(&flagRefreshInterval, "refresh-interval", config.Duration(config.KeyRefreshInterval, 10*time.Second), "Device discovery interval")
	cmd.Flags().BoolVar(&flagRequeue, "requeue-on-device-loss", config.Bool(config.KeyRequeueOnDeviceLoss, false), "Queue a command again when its device disconnects")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	cmd.Flags().DurationVar(&flagWait, "wait", 0, "Give up after this long, 0 waits forever")

	return cmd
}

func collectCommands(lines []string, file string, args []string) ([][]string, error) {
	var commands [][]string
	for _, line := range lines {
		parsed, err := shellquote.Split(line)
		if err != nil {
			return nil, errors.Wrapf(err, "parse --command %q", line)
		}
		if len(parsed) > 0 {
			commands = append(commands, parsed)
		}
	}
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, errors.Wrap(err, "open command file")
		}
		defer f.Close()
		fromFile, err := readCommandLines(f)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", file)
		}
		commands = append(commands, fromFile...)
	}
	if len(args) > 0 {
		commands = append(commands, args)
	}
	return commands, nil
}
