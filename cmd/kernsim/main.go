// kernsim boots the simulated kernel, installs the user programs in /bin
// and runs the given command lines as concurrent processes.
//
//	kernsim [flags] "/bin/forktest 16" "/bin/hello"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kernsim/pkg/config"
	"kernsim/pkg/dev"
	"kernsim/pkg/klog"
	"kernsim/pkg/metrics"
	"kernsim/pkg/process"
	"kernsim/pkg/testbin"
	"kernsim/pkg/usermode"
	"kernsim/pkg/vfs"
	"kernsim/pkg/vfs/diskfs"
	"kernsim/pkg/vfs/memfs"
	"kernsim/pkg/vfs/overlayfs"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	logLevel := flag.String("log-level", "", "log level (overrides the configuration)")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	rootDir := flag.String("root", "", "host directory to lay over the in-memory root file system")
	wait := flag.Bool("wait", false, "keep serving metrics after the programs finish, until interrupted")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] \"/bin/prog args...\"...\n\nflags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nprograms:\n%s", testbin.Usage())
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernsim: %v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = *metricsAddr
	}

	log, err := klog.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernsim: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed, err := run(cfg, log, *rootDir, *wait, flag.Args())
	if err != nil {
		log.Error("kernel failed", zap.Error(err))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, rootDir string, wait bool, cmdlines []string) (int, error) {
	if cfg.Kernel.CPUs > 0 {
		runtime.GOMAXPROCS(cfg.Kernel.CPUs)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	rt := usermode.New(log.Named("user"))
	if err := testbin.Register(rt); err != nil {
		return 0, err
	}
	images := memfs.New()
	if err := rt.Install(images, "/bin"); err != nil {
		return 0, err
	}

	// With a host root, writes land in the host directory and /bin stays
	// in memory underneath it.
	var root vfs.FileSystem = images
	if rootDir != "" {
		images.SetReadOnly(true)
		root = overlayfs.New(diskfs.New(rootDir), images)
	}

	ns := vfs.NewNamespace(root)
	console, _ := strings.CutSuffix(cfg.Kernel.Console, ":")
	if err := ns.AddDevice(console, dev.NewConsole(os.Stdin, os.Stdout)); err != nil {
		return 0, err
	}

	k, err := process.New(process.Options{
		Config:    cfg.Kernel,
		Namespace: ns,
		UserMode:  rt,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		return 0, err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = serveMetrics(cfg.Metrics, reg, log)
	}

	var g errgroup.Group
	results := make([]int, len(cmdlines))
	for i, line := range cmdlines {
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		g.Go(func() error {
			pid, err := k.Spawn(args[0], args)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			code, err := k.Wait(pid)
			if err != nil {
				return fmt.Errorf("%s: wait: %w", args[0], err)
			}
			results[i] = code
			log.Info("program finished", klog.Pid(pid), zap.String("cmd", line), zap.Int("code", code))
			return nil
		})
	}
	runErr := g.Wait()

	failed := 0
	for i, code := range results {
		if code != 0 {
			fmt.Fprintf(os.Stderr, "kernsim: %q exited with status %d\n", cmdlines[i], code)
			failed++
		}
	}

	if err := k.Shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if srv != nil {
		if wait {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return failed, runErr
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.ListenAddress, Handler: mux}

	go func() {
		log.Info("serving metrics", zap.String("addr", cfg.ListenAddress), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
