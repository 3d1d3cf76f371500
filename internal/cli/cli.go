// ============================================================================
// PulmoScan CLI
// ============================================================================
//
// Command Structure:
//   pulmoscan                         # Root command
//   ├── run                           # Start the engine with gRPC + HTTP servers
//   ├── submit <ref>...               # Submit a job to a running server
//   │   ├── --file, -f                # Read refs from a file (one per line)
//   │   └── --wait                    # Poll until the job is terminal
//   ├── status [job-id]               # Job snapshot, or engine stats without an id
//   ├── cancel <job-id>               # Cancel a job
//   ├── export <job-id>               # Write a terminal job as CSV
//   ├── journal                       # Offline tools for the job journal
//   │   ├── verify <path>
//   │   ├── stats <path>
//   │   ├── dump <path>
//   │   └── repair <src> <dst>
//   └── --config, -c                  # Config file (default: configs/default.yaml)
//
// run Command:
//   1. Load config (YAML → .env → PULMOSCAN_* environment)
//   2. Build cache, persistence, executor and content provider
//   3. Start the engine (interrupted jobs from a previous process are failed)
//   4. Serve gRPC on server.grpc_addr and HTTP on server.http_addr
//   5. On SIGINT/SIGTERM: stop servers, drain the engine, close resources
//
// Remote commands talk to the gRPC address given by --addr.
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/pulmoscan/internal/api"
	"github.com/ChuLiYu/pulmoscan/internal/config"
	"github.com/ChuLiYu/pulmoscan/internal/engine"
	"github.com/ChuLiYu/pulmoscan/internal/metrics"
	"github.com/ChuLiYu/pulmoscan/internal/server"
	"github.com/ChuLiYu/pulmoscan/internal/storage/wal"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

const (
	defaultConfigPath = "configs/default.yaml"
	defaultAddr       = "localhost:50051"
	shutdownTimeout   = 30 * time.Second
	rpcTimeout        = 10 * time.Second
)

var configFile string

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulmoscan",
		Short: "PulmoScan: batched, cached inference job orchestration",
		Long: `PulmoScan runs chest X-ray classification jobs with:
- content-addressed result cache with in-flight deduplication
- dynamic batching in front of the model executor
- per-item failure isolation and job deadlines`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig 讀取設定；預設路徑不存在時只用預設值與環境變數
func loadConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine with its gRPC and HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := config.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger, nil)
		},
	}
}

// runServer 組裝並執行整個系統，直到 ctx 結束
// ready 非 nil 時在兩個 listener 就緒後以實際位址呼叫
func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger, ready func(grpcAddr, httpAddr net.Addr)) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	c, cacheCloser, err := cfg.BuildCache(logger, m)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}
	defer closeQuietly(logger, "cache", cacheCloser)

	sink, sinkCloser, err := cfg.BuildSink(logger)
	if err != nil {
		return fmt.Errorf("build persistence: %w", err)
	}
	defer closeQuietly(logger, "persistence", sinkCloser)

	exec, err := cfg.BuildExecutor()
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}
	prov, err := cfg.BuildContent()
	if err != nil {
		return fmt.Errorf("build content provider: %w", err)
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Executor: exec,
		Content:  prov,
		Cache:    c,
		Sink:     sink,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = eng.Stop(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		_ = eng.Stop(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}

	grpcSrv := server.New(eng, logger)
	httpSrv := api.NewServer(eng, m.Handler(), logger)

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve(grpcLis) }()
	go func() { errCh <- httpSrv.Serve(httpLis) }()

	logger.Info("system started",
		"executor", exec.Name(),
		"cache", cfg.Cache.Backend,
		"persistence", cfg.Persistence.Driver,
		"grpc_addr", grpcLis.Addr().String(),
		"http_addr", httpLis.Addr().String())
	if ready != nil {
		ready(grpcLis.Addr(), httpLis.Addr())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping gracefully")
	case serveErr = <-errCh:
		logger.Error("server failed, shutting down", "error", serveErr)
	}

	// 先停止接收新請求，再讓 engine 把已提交的任務做完
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	grpcSrv.Stop(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine did not drain before the shutdown deadline", "error", err)
	}

	logger.Info("system stopped")
	return serveErr
}

func closeQuietly(logger *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "resource", name, "error", err)
	}
}

// ============================================================================
// Remote commands
// ============================================================================

func dialFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", defaultAddr, "gRPC address of a running server")
}

func buildSubmitCommand() *cobra.Command {
	var (
		addr    string
		file    string
		timeout time.Duration
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "submit [ref...]",
		Short: "Submit a job to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readRefs(file)
				if err != nil {
					return err
				}
				refs = append(refs, fromFile...)
			}
			if len(refs) == 0 {
				return errors.New("no refs given (pass them as arguments or use --file)")
			}

			client, conn, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			id, err := client.SubmitJob(ctx, refs, timeout)
			cancel()
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			job, err := pollJob(cmd.Context(), client, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}

	dialFlag(cmd, &addr)
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one ref per line")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "job deadline (0 uses the server default)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish and print it")
	return cmd
}

// readRefs 每行一個 ref，忽略空行與 # 開頭的註解
func readRefs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read refs file: %w", err)
	}
	defer f.Close()

	var refs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	return refs, sc.Err()
}

// pollJob 輪詢直到任務終止
func pollJob(ctx context.Context, client *server.Client, id types.JobID) (types.JobSnapshot, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		job, err := client.GetJob(rctx, id)
		cancel()
		if err != nil {
			return types.JobSnapshot{}, fmt.Errorf("get job %s: %w", id, err)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job, or engine status when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			if len(args) == 0 {
				stats, err := client.Stats(ctx)
				if err != nil {
					return fmt.Errorf("stats: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), stats)
			}
			job, err := client.GetJob(ctx, types.JobID(args[0]))
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	dialFlag(cmd, &addr)
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			job, err := client.CancelJob(ctx, types.JobID(args[0]))
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	dialFlag(cmd, &addr)
	return cmd
}

func buildExportCommand() *cobra.Command {
	var (
		addr   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a terminal job as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			data, err := client.ExportJob(ctx, types.JobID(args[0]))
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	dialFlag(cmd, &addr)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect or repair a job journal file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Check every record's checksum and the file tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wal.ValidateWAL(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats <path>",
		Short: "Print journal statistics as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := wal.GetWALStats(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump <path>",
		Short: "Print one line per record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wal.DumpWAL(args[0], cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "repair <src> <dst>",
		Short: "Copy the valid prefix of a damaged journal to a new file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := wal.RepairWAL(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kept %d records in %s\n", n, args[1])
			return nil
		},
	})

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
