package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/coachkit/recall/pkg/config"
	"github.com/coachkit/recall/pkg/logger"
	"github.com/coachkit/recall/pkg/memory"
	"github.com/coachkit/recall/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "recall"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recall", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// openService assembles one engine instance from configuration. The
// returned close func stops background workers and releases the store.
func openService(cfg *config.Config) (*memory.Service, func(), error) {
	logger.SetDebug(cfg.Logging.Debug)

	classifier, err := providers.NewClassifier(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create classifier: %w", err)
	}
	embedder, err := providers.NewEmbedder(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}

	store, err := memory.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}

	svc := memory.NewService(serviceConfigFrom(cfg), store, store, classifier, embedder, nil)
	return svc, func() { _ = svc.Close() }, nil
}

func serviceConfigFrom(cfg *config.Config) memory.ServiceConfig {
	sc := memory.DefaultServiceConfig()
	m := cfg.Memory

	sc.Thresholds = memory.DedupThresholds{
		Skip:   m.SkipThreshold,
		Merge:  m.MergeThreshold,
		Update: m.UpdateThreshold,
	}
	if m.CandidateLimit > 0 {
		sc.Retriever.CandidateLimit = m.CandidateLimit
	}
	if m.PerCategoryCap > 0 {
		sc.Retriever.PerCategoryCap = m.PerCategoryCap
	}
	if m.NearDupThreshold > 0 {
		sc.Retriever.NearDupThreshold = m.NearDupThreshold
	}
	if m.BaseThreshold > 0 {
		sc.Retriever.BaseThreshold = m.BaseThreshold
	}
	if m.ResultCacheSeconds > 0 {
		sc.Retriever.ResultCacheTTL = secondsDuration(m.ResultCacheSeconds)
	}
	if m.ExpansionTTLSecs > 0 {
		sc.ExpansionTTL = secondsDuration(m.ExpansionTTLSecs)
	}
	if m.MergeStrength > 0 {
		sc.MergeStrength = m.MergeStrength
	}
	sc.MergeEnabled = m.MergeEnabled
	if m.Workers > 0 {
		sc.Scheduler.Workers = m.Workers
	}
	if m.QueueSize > 0 {
		sc.Scheduler.QueueSize = m.QueueSize
	}
	if m.MaxRetries > 0 {
		sc.Scheduler.MaxRetries = m.MaxRetries
	}
	if m.SweepCron != "" {
		sc.Scheduler.SweepCron = m.SweepCron
	}
	if m.MaxRecallItems > 0 {
		sc.MaxRecallItems = m.MaxRecallItems
	}
	return sc
}

func secondsDuration(n int) time.Duration { return time.Duration(n) * time.Second }
