package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/arbiterops/arbiter/internal/config"
	"github.com/arbiterops/arbiter/internal/engine"
	"github.com/arbiterops/arbiter/internal/oracle"
	"github.com/arbiterops/arbiter/internal/pkg/logger"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/internal/statestore"
	"github.com/arbiterops/arbiter/internal/toolcall"
	"github.com/arbiterops/arbiter/internal/tools"
	"github.com/arbiterops/arbiter/internal/worker"
)

func main() {
	log.Println("🤖 Arbiter edge agent starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if cfg.ClusterToken == "" {
		log.Fatal("❌ ARBITER_CLUSTER_TOKEN is not set; register the cluster first")
	}
	zlog := logger.Runtime()
	defer zlog.Sync()

	httpTimeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second

	// Toolsets. A missing backend degrades that toolset, not the agent:
	// the engine reports unregistered tools as unavailable and carries on.
	registry := tools.NewRegistry()
	registry.Register(tools.NewConfigureCluster(managedKubeconfigPath()))

	if client, err := kubeClient(); err != nil {
		log.Printf("⚠️  Kubernetes unavailable: %v", err)
	} else {
		tools.NewKubeToolset(client).RegisterAll(registry)
	}

	prom := tools.NewPromClient(cfg.PrometheusURL, httpTimeout)
	prom.RegisterAll(registry)
	tools.NewLokiClient(cfg.LokiURL, httpTimeout).RegisterAll(registry)
	if cfg.GithubToken != "" {
		tools.NewGithubClient(cfg.GithubToken, cfg.GithubRepo, httpTimeout).RegisterAll(registry)
	}
	var memory *tools.MemoryClient
	if cfg.MemoryURL != "" {
		memory = tools.NewMemoryClient(cfg.MemoryURL, httpTimeout)
		memory.RegisterAll(registry)
	}
	log.Printf("🧰 Tools registered: %v", registry.Names())

	// The audit trail lives in the control plane database. When the agent
	// has a DSN for it, tool calls and incident updates are recorded there;
	// without one they are log-only.
	var store repository.Store
	if cfg.DatabaseURL != "" {
		repo, err := repository.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer repo.Close()
		store = repo
	} else {
		log.Println("⚠️  No database configured; tool audit trail disabled")
	}

	sessions := statestore.New(cfg.RedisAddr, cfg.RedisPassword,
		time.Duration(cfg.SessionTTLSec)*time.Second, zlog)
	reasoner := oracle.New(cfg.AnthropicAPIKey, cfg.OracleModel, cfg.OracleMaxTokens, zlog)
	invoker := toolcall.NewInvoker(store, zlog)

	// The worker streams engine progress, but the engine is the worker's
	// runner; bind the progress sink through a late-bound closure.
	var w *worker.Worker
	progress := func(line string) {
		if w != nil {
			w.OnProgress(line)
		}
	}

	eng := engine.New(reasoner, registry, invoker, sessions, store, zlog, engine.Options{
		Prom:              prom,
		Memory:            memory,
		VerificationWait:  time.Duration(cfg.VerificationWaitSec) * time.Second,
		MaxInvestigations: cfg.MaxInvestigations,
		Progress:          progress,
	})

	client := worker.NewClient(cfg.ServerURL, cfg.ClusterToken, httpTimeout)
	w = worker.New(client, eng, registry, time.Duration(cfg.PollIntervalSec)*time.Second, zlog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("📡 Polling %s every %ds", cfg.ServerURL, cfg.PollIntervalSec)
	w.Run(ctx)
	log.Println("✅ Agent exited gracefully")
}

func managedKubeconfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/arbiter/kubeconfig"
	}
	return filepath.Join(home, ".arbiter", "kubeconfig")
}

// kubeClient prefers in-cluster credentials, then the kubeconfig installed
// by configure_cluster, then the usual KUBECONFIG chain.
func kubeClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		rules.Precedence = append([]string{managedKubeconfigPath()}, rules.Precedence...)
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(cfg)
}
