// Package daemon runs the sam control plane: it opens the store, rehydrates
// node actors and their durable timers, and runs the reconciliation sweep and
// stuck-task recovery on a shared cadence, behind a small HTTP surface for
// health and metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/config"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/lifecycle"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/otel"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider/aws"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/recovery"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store/postgres"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/sweep"
)

func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = 3549
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Singleton lock, released on exit.
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	startPprof(opts.PprofAddr)

	cfg, err := config.Load(opts.Home)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, opts)
	if err != nil {
		return err
	}
	defer st.Close()

	prov, err := buildProvisioner(ctx, opts)
	if err != nil {
		return err
	}

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early port check for a clearer error than ListenAndServe's.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	registry := lifecycle.NewRegistry(st, prov, cfg.WarmGracePeriod)
	defer registry.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "sam")
		if err != nil {
			slog.Warn("otel init failed, metrics disabled", "err", err)
		} else {
			mux.Handle("/metrics", metricsHandler)
			_ = otel.InitMetricsWithNodeCount(ctx, registry.Counts)
		}
	}
	server := &http.Server{Addr: addr, Handler: mux}

	// Rehydrate durable node timers before anything can race them.
	if err := registry.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate node actors: %w", err)
	}

	slog.Info("daemon starting", "addr", addr, "home", opts.Home,
		"warm_grace", cfg.WarmGracePeriod, "sweep_interval", cfg.SweepInterval)
	errCh := make(chan error, 1)
	go func() {
		go (&sweep.Sweep{
			Store:           st,
			Prov:            prov,
			Registry:        registry,
			GracePeriod:     cfg.WarmGracePeriod,
			MaxNodeLifetime: cfg.MaxNodeLifetime,
			Interval:        cfg.SweepInterval,
		}).Run(ctx)
		go (&recovery.Job{
			Store:            st,
			QueuedTimeout:    cfg.QueuedTimeout,
			DelegatedTimeout: cfg.DelegatedTimeout,
			MaxExecutionTime: cfg.MaxExecutionTime,
			Interval:         cfg.SweepInterval,
		}).Run(ctx)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openStore picks the driver. SQLite is the default and migrates via
// EnsureSchema; Postgres migrates on connect.
func openStore(ctx context.Context, opts StartOptions) (store.Store, error) {
	if opts.DBDriver == "postgres" {
		return postgres.Open(opts.DBURL)
	}
	if err := store.EnsureSchema(opts.Home); err != nil {
		return nil, err
	}
	return store.Open(opts.Home)
}

// buildProvisioner returns the AWS EC2 provisioner, or the in-memory stub when
// running without cloud credentials (local development and tests).
func buildProvisioner(ctx context.Context, opts StartOptions) (provider.Provisioner, error) {
	if opts.Provider == "stub" {
		return &provider.Stub{}, nil
	}
	return aws.NewClient(ctx)
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("sam already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
	}
	if opts.Provider != "" {
		args = append(args, "--provider", opts.Provider)
	}
	if opts.DBDriver != "" {
		args = append(args, "--db", opts.DBDriver)
	}
	if opts.DBURL != "" {
		args = append(args, "--db-url", opts.DBURL)
	}
	if opts.EnableOtel {
		args = append(args, "--otel")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, err
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
