// Command wasmplugind is the workflow-engine plugin server: it accepts
// HTTP requests asking it to execute a Wasm module as one workflow step,
// and returns a structured result.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/artifactrepo"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/config"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/distexec"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/localexec"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/modulecache"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/ociimage"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/server"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wasmplugind:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LogLevel(cfg.LogLevel), cfg.LogJSON)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	telemetry.InstallPropagator()
	tp := telemetry.NoopTracerProvider()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting", zap.String("mode", string(cfg.Mode)), zap.String("bind", cfg.BindAddr))

	cache, closeCache, err := buildCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("build module cache: %w", err)
	}
	defer closeCache()

	var clientset kubernetes.Interface
	if cfg.Mode == dispatcher.ModeDistributed || cfg.ArgoControllerConfigMap != "" {
		clientset, err = buildKubeClient()
		if err != nil {
			return fmt.Errorf("build kube client: %w", err)
		}
	}

	var s3Creds *model.S3Credentials
	if cfg.ArgoControllerConfigMap != "" {
		creds, err := artifactrepo.Resolve(ctx, clientset, cfg.PluginNamespace, cfg.ArgoControllerConfigMap)
		if err != nil {
			return fmt.Errorf("resolve artifact repository: %w", err)
		}
		s3Creds = &creds
		logger.Info("resolved artifact repository", zap.String("bucket", creds.Bucket))
	} else {
		logger.Info("no artifact repository configmap configured; artifacts are unsupported")
	}

	runtime, err := localexec.NewRuntime(ctx)
	if err != nil {
		return fmt.Errorf("build wazero runtime: %w", err)
	}
	defer runtime.Close(ctx)

	fetcher := ociimage.NewRegistryFetcher()
	localExec := localexec.New(runtime, cache, fetcher, cfg.InsecureOCIRegistries)

	var distributedExec dispatcher.Executor
	if clientset != nil {
		distributedExec = distexec.New(clientset, cfg.PluginNamespace, cfg.DistributedWaitDuration, logger)
	}

	d := dispatcher.New(localExec, distributedExec, cfg.MaxConcurrency)

	srv := server.New(d, cfg.Mode, s3Creds, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}

	telemetry.Shutdown(shutdownCtx, tp, logger)
	return nil
}

func buildCache(cfg *config.Config, logger *zap.Logger) (modulecache.Cache, func(), error) {
	if cfg.FSCacheDir == "" {
		logger.Info("no module cache directory configured; using no-op cache")
		return modulecache.NopCache{}, func() {}, nil
	}
	fsCache, err := modulecache.NewFSCache(cfg.FSCacheDir)
	if err != nil {
		return nil, nil, err
	}
	if err := fsCache.Purge(context.Background(), cfg.MaxCacheSizeMiB*1024*1024); err != nil {
		logger.Warn("startup cache purge failed", zap.Error(err))
	}
	return fsCache, func() { fsCache.Close() }, nil
}

// buildKubeClient uses the in-cluster config when available, falling back
// to the kubeconfig on KUBECONFIG/~/.kube/config for local development.
func buildKubeClient() (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(restConfig)
}
