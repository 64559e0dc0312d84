// Package cli builds a command-line interface around a fluxoml model, so a
// model's main package can be as small as
//
//	func main() { cli.Execute(newModel()) }
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/fluxoml"
	"github.com/petrijr/fluxoml/pkg/server"
)

type app struct {
	model   *fluxoml.Model
	config  string
	logOpts LogOptions
	logs    *Loggers
	cleanup []func()
}

// Execute runs the command line for m and exits non-zero on failure.
// SIGINT and SIGTERM cancel the running command.
func Execute(m *fluxoml.Model) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewCommand(m).ExecuteContext(ctx)
	stop()
	if cerr := m.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

// NewCommand returns the root command for m with the train, predict,
// status, serve, deploy and worker subcommands.
func NewCommand(m *fluxoml.Model) *cobra.Command {
	a := &app{model: m}
	root := &cobra.Command{
		Use:          m.Name,
		Short:        fmt.Sprintf("Train, serve and deploy the %s model", m.Name),
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&a.config, "config", "", "remote config file (default $"+fluxoml.ConfigEnv+")")
	f.StringVar(&a.logOpts.Level, "log-level", "info", "log level: debug, info, warn or error")
	f.BoolVar(&a.logOpts.JSON, "log-json", false, "log as JSON")
	f.StringVar(&a.logOpts.File, "log-file", "", "write logs to a rotated file instead of stderr")
	f.IntVar(&a.logOpts.MaxSizeMB, "log-max-size", 100, "log file size in megabytes before rotation")
	f.IntVar(&a.logOpts.MaxBackups, "log-max-backups", 3, "rotated log files to keep")

	root.AddCommand(
		a.trainCmd(),
		a.predictCmd(),
		a.statusCmd(),
		a.serveCmd(),
		a.deployCmd(),
		a.workerCmd(),
	)
	return root
}

// run sets up logging around a command body and routes the model's engine
// events into the process log while it runs.
func (a *app) run(body func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		logs, err := NewLoggers(a.logOpts, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a.logs = logs
		defer func() {
			if cerr := logs.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		a.cleanup = append(a.cleanup, a.model.Runner().Observe(fluxoml.NewLoggingObserver(logs.Slog)))
		defer func() {
			for i := len(a.cleanup) - 1; i >= 0; i-- {
				a.cleanup[i]()
			}
			a.cleanup = nil
		}()

		if err := body(ctx, cmd, args); err != nil {
			logs.Zap.Error("command failed", zap.String("command", cmd.Name()), zap.Error(err))
			return err
		}
		return nil
	}
}

// remote connects the model to the configured runner. A model that is
// already remote is reused unless --config is given.
func (a *app) remote(ctx context.Context) error {
	if a.config == "" {
		if _, err := a.model.RemoteConfig(); err == nil {
			return nil
		}
	}
	if err := a.model.Remote(ctx, fluxoml.RemoteOptions{ConfigFilePath: a.config}); err != nil {
		return err
	}
	r, err := a.model.RemoteRunner()
	if err != nil {
		return err
	}
	if r != a.model.Runner() {
		a.cleanup = append(a.cleanup, r.Observe(fluxoml.NewLoggingObserver(a.logs.Slog)))
	}
	return nil
}

func (a *app) trainCmd() *cobra.Command {
	var (
		hp, hpFile string
		inputs     string
		remote     bool
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&hp, "hyperparameters", "", "hyperparameters as JSON")
	cmd.Flags().StringVar(&hpFile, "hyperparameters-file", "", "file holding the hyperparameters as JSON")
	cmd.Flags().StringVar(&inputs, "inputs", "", "reader inputs as a JSON object")
	cmd.Flags().BoolVar(&remote, "remote", false, "train on the remote runner")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a remote execution to finish")

	cmd.RunE = a.run(func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		m := a.model
		raw, err := jsonFlag(hp, hpFile)
		if err != nil {
			return err
		}
		hpv, err := m.DecodeHyperparameters(raw)
		if err != nil {
			return err
		}
		readerInputs, err := a.readerInputs(inputs)
		if err != nil {
			return err
		}

		if !remote {
			res, err := m.Train(ctx, hpv, fluxoml.WithReaderInputs(readerInputs))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"instance_id": res.InstanceID,
				"metrics":     res.Metrics,
			})
		}

		if err := a.remote(ctx); err != nil {
			return err
		}
		id, err := m.RemoteTrain(ctx, hpv, fluxoml.WithReaderInputs(readerInputs))
		if err != nil {
			return err
		}
		a.logs.Zap.Info("remote training started", zap.String("execution_id", id))
		if !wait {
			return printJSON(cmd.OutOrStdout(), map[string]any{"execution_id": id})
		}
		exec, err := m.Wait(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"execution_id": id,
			"metrics":      exec.Output(fluxoml.MetricsOutput),
		})
	})
	return cmd
}

func (a *app) predictCmd() *cobra.Command {
	var (
		features, featuresFile string
		inputs                 string
		version                string
		remote                 bool
		wait                   bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict with a trained model",
		Long: "Predict from --features or from reader --inputs. The model is the\n" +
			"remote train execution given by --model-version, else the newest\n" +
			"completed remote training.",
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVar(&features, "features", "", "features as JSON")
	cmd.Flags().StringVar(&featuresFile, "features-file", "", "file holding the features as JSON")
	cmd.Flags().StringVar(&inputs, "inputs", "", "reader inputs as a JSON object")
	cmd.Flags().StringVar(&version, "model-version", "", "remote train execution id")
	cmd.Flags().BoolVar(&remote, "remote", false, "predict on the remote runner")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a remote execution to finish")

	cmd.RunE = a.run(func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		m := a.model
		var opts []fluxoml.RunOption

		raw, err := jsonFlag(features, featuresFile)
		if err != nil {
			return err
		}
		if len(raw) > 0 {
			fv, err := m.DecodeFeatures(raw)
			if err != nil {
				return err
			}
			opts = append(opts, fluxoml.WithFeatures(fv))
		} else {
			readerInputs, err := a.readerInputs(inputs)
			if err != nil {
				return err
			}
			opts = append(opts, fluxoml.WithReaderInputs(readerInputs))
		}

		_, trained := m.LatestModel()
		if remote || version != "" || !trained {
			if err := a.remote(ctx); err != nil {
				return err
			}
		}

		if remote {
			if version != "" {
				opts = append(opts, fluxoml.WithModelVersion(version))
			}
			id, err := m.RemotePredict(ctx, opts...)
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), map[string]any{"execution_id": id})
			}
			exec, err := m.Wait(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"execution_id": id,
				"predictions":  exec.Output(fluxoml.PredictionsOutput),
			})
		}

		switch {
		case version != "":
			opts = append(opts, fluxoml.WithModelVersion(version))
		case !trained:
			model, err := m.LatestRemoteModel(ctx)
			if err != nil {
				return err
			}
			opts = append(opts, fluxoml.WithModel(model))
		}
		predictions, err := m.Predict(ctx, opts...)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"predictions": predictions})
	})
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.remote(ctx); err != nil {
			return err
		}
		exec, err := a.model.Execution(ctx, args[0])
		if err != nil {
			return err
		}
		inst := exec.Instance
		out := map[string]any{
			"id":       inst.ID,
			"workflow": inst.Name,
			"status":   inst.Status,
		}
		if inst.Err != nil {
			out["error"] = inst.Err.Error()
		}
		if m, ok := exec.Outputs[fluxoml.MetricsOutput]; ok {
			out["metrics"] = m
		}
		if p, ok := exec.Outputs[fluxoml.PredictionsOutput]; ok {
			out["predictions"] = p
		}
		return printJSON(cmd.OutOrStdout(), out)
	})
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var (
		addr    string
		events  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model over HTTP",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&addr, "addr", server.DefaultConfig().Addr, "listen address")
	cmd.Flags().BoolVar(&events, "events", false, "stream engine events on /events")
	cmd.Flags().DurationVar(&timeout, "request-timeout", server.DefaultConfig().RequestTimeout, "per-request timeout")

	cmd.RunE = a.run(func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		if a.config != "" || os.Getenv(fluxoml.ConfigEnv) != "" {
			if err := a.remote(ctx); err != nil {
				return err
			}
		}

		mux := http.NewServeMux()
		stop := a.model.Serve(mux, fluxoml.ServeOptions{Events: events, Logger: a.logs.Zap})
		defer stop()

		srv := server.New(mux, server.Config{
			Addr:           addr,
			RequestTimeout: timeout,
			Logger:         a.logs.Zap,
		})
		return srv.Run(ctx)
	})
	return cmd
}

func (a *app) deployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Register the model's workflows on the remote runner",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		m := a.model
		if err := a.remote(ctx); err != nil {
			return err
		}
		if err := m.Deploy(ctx); err != nil {
			return err
		}

		names := make([]string, 0, 3)
		for name := range m.Workflows() {
			remote, err := m.RemoteName(name)
			if err != nil {
				return err
			}
			names = append(names, remote)
		}
		sort.Strings(names)
		a.logs.Zap.Info("deployed",
			zap.Strings("workflows", names),
			zap.String("registry", m.Registry()),
			zap.String("dockerfile", m.Dockerfile()),
		)
		return printJSON(cmd.OutOrStdout(), map[string]any{"workflows": names})
	})
	return cmd
}

func (a *app) workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers for remote executions until interrupted",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker goroutines (default from config)")

	cmd.RunE = a.run(func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		m := a.model
		if err := a.remote(ctx); err != nil {
			return err
		}
		if err := m.Deploy(ctx); err != nil {
			return err
		}
		cfg, err := m.RemoteConfig()
		if err != nil {
			return err
		}
		r, err := m.RemoteRunner()
		if err != nil {
			return err
		}

		recovered, err := r.RecoverStuckInstances(ctx)
		if err != nil {
			return err
		}
		if concurrency <= 0 {
			concurrency = cfg.Worker.Concurrency
		}
		if err := r.StartWorkers(ctx, concurrency); err != nil {
			return err
		}
		a.logs.Zap.Info("workers started",
			zap.Int("concurrency", concurrency),
			zap.Int("recovered", recovered),
			zap.String("backend", cfg.Backend.Type),
		)

		<-ctx.Done()
		r.Stop()
		a.logs.Zap.Info("workers stopped")
		return nil
	})
	return cmd
}

func (a *app) readerInputs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var msgs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("--inputs: %w", err)
	}
	return a.model.DecodeReaderInputs(msgs)
}

// jsonFlag returns the inline value, or the file contents when path is set.
func jsonFlag(inline, path string) (json.RawMessage, error) {
	if path == "" {
		return json.RawMessage(inline), nil
	}
	if inline != "" {
		return nil, fmt.Errorf("give the value inline or as a file, not both")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
