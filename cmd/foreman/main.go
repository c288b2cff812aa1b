package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/runner"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/server"
	"github.com/davidbarr/foreman/internal/state"
	"github.com/davidbarr/foreman/internal/version"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitCancel = 130
)

var (
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func signalCancelContext() (context.Context, func(), <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	interrupted := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			close(interrupted)
			cancel()
		case <-stopCh:
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel()
	}
	return ctx, cleanup, interrupted
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFailed)
	}
	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("foreman %s\n", version.Version)
		os.Exit(exitOK)
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "resume":
		os.Exit(cmdResume(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "cancel":
		os.Exit(cmdCancel(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	default:
		usage()
		os.Exit(exitFailed)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  foreman --version")
	fmt.Fprintln(os.Stderr, "  foreman run --task <text|@file> [--config <file.yaml>] [--base <dir>] [--repo <path>] [--pipeline <id>] [--run-id <id>] [--dry-run]")
	fmt.Fprintln(os.Stderr, "  foreman resume --run-id <id> [--config <file.yaml>] [--base <dir>] [--repo <path>] [--pipeline <id>]")
	fmt.Fprintln(os.Stderr, "  foreman status [--run-id <id> | --latest] [--base <dir>] [--json]")
	fmt.Fprintln(os.Stderr, "  foreman cancel --run-id <id> [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  foreman serve [--addr <host:port>] [--config <file.yaml>] [--base <dir>] [--workers <n>]")
}

func loadConfigFlag(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func readTaskArg(task string) (string, error) {
	if strings.HasPrefix(task, "@") {
		b, err := os.ReadFile(task[1:])
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return task, nil
}

func defaultBaseDir() string {
	if base := os.Getenv("FOREMAN_BASE"); base != "" {
		return base
	}
	return ".foreman"
}

func cmdRun(args []string) int {
	var task, configPath, baseDir, repoPath, pipelineID, runID string
	var dryRun bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task":
			i++
			task = argAt(args, i)
		case "--config":
			i++
			configPath = argAt(args, i)
		case "--base":
			i++
			baseDir = argAt(args, i)
		case "--repo":
			i++
			repoPath = argAt(args, i)
		case "--pipeline":
			i++
			pipelineID = argAt(args, i)
		case "--run-id":
			i++
			runID = argAt(args, i)
		case "--dry-run":
			dryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			return exitFailed
		}
	}
	if strings.TrimSpace(task) == "" {
		fmt.Fprintln(os.Stderr, "--task is required")
		return exitFailed
	}
	taskText, err := readTaskArg(task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read task: %v\n", err)
		return exitFailed
	}
	cfg, err := loadConfigFlag(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFailed
	}
	if baseDir == "" {
		baseDir = defaultBaseDir()
	}

	r, err := runner.New(runner.Options{
		Config:     cfg,
		BaseDir:    baseDir,
		RepoPath:   repoPath,
		PipelineID: pipelineID,
		RunID:      runID,
		DryRun:     dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return exitFailed
	}
	fmt.Printf("run %s\n%s\n", r.Paths.RunID, dimStyle.Render(r.Paths.RunDir()))

	ctx, cleanup, interrupted := signalCancelContext()
	defer cleanup()
	runErr := r.Run(ctx, taskText)
	select {
	case <-interrupted:
		fmt.Println(failStyle.Render("Run cancelled."))
		return exitCancel
	default:
	}
	if runErr != nil {
		fmt.Println(failStyle.Render("Run failed."))
		fmt.Println(r.Paths.RunDir())
		return exitFailed
	}
	fmt.Println(okStyle.Render("Run completed."))
	return exitOK
}

func cmdResume(args []string) int {
	var configPath, baseDir, repoPath, pipelineID, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run-id":
			i++
			runID = argAt(args, i)
		case "--config":
			i++
			configPath = argAt(args, i)
		case "--base":
			i++
			baseDir = argAt(args, i)
		case "--repo":
			i++
			repoPath = argAt(args, i)
		case "--pipeline":
			i++
			pipelineID = argAt(args, i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			return exitFailed
		}
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "--run-id is required")
		return exitFailed
	}
	cfg, err := loadConfigFlag(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFailed
	}
	if baseDir == "" {
		baseDir = defaultBaseDir()
	}
	r, err := runner.FromExisting(runner.Options{
		Config:     cfg,
		BaseDir:    baseDir,
		RepoPath:   repoPath,
		PipelineID: pipelineID,
	}, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return exitFailed
	}

	ctx, cleanup, interrupted := signalCancelContext()
	defer cleanup()
	runErr := r.Resume(ctx)
	select {
	case <-interrupted:
		fmt.Println(failStyle.Render("Run cancelled."))
		return exitCancel
	default:
	}
	if runErr != nil {
		fmt.Println(failStyle.Render("Run failed."))
		fmt.Println(r.Paths.RunDir())
		return exitFailed
	}
	fmt.Println(okStyle.Render("Run completed."))
	return exitOK
}

func cmdStatus(args []string) int {
	var baseDir, runID string
	var latest, asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run-id":
			i++
			runID = argAt(args, i)
		case "--latest":
			latest = true
		case "--base":
			i++
			baseDir = argAt(args, i)
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			return exitFailed
		}
	}
	if baseDir == "" {
		baseDir = defaultBaseDir()
	}
	if runID == "" || latest {
		ids, err := runpaths.ListRunIDs(baseDir)
		if err != nil || len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "no runs found")
			return exitFailed
		}
		runID = ids[0]
	}
	paths, err := runpaths.FromExisting(baseDir, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailed
	}
	st, err := state.NewStore(paths).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load state: %v\n", err)
		return exitFailed
	}
	if asJSON {
		b, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(b))
		return exitOK
	}

	fmt.Printf("run:    %s\n", st.RunID)
	fmt.Printf("stage:  %s\n", st.CurrentStage)
	if st.CurrentItemID != "" {
		fmt.Printf("item:   %s (iteration %d)\n", st.CurrentItemID, st.CurrentIteration)
	}
	var keys []string
	for k := range st.StageStatuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ss := st.StageStatuses[k]
		line := fmt.Sprintf("  %-18s %s", k, ss.Status)
		switch ss.Status {
		case "failed":
			line = failStyle.Render(line)
			if ss.Error != "" {
				line += "\n" + dimStyle.Render("    "+ss.Error)
			}
		case "completed":
			line = okStyle.Render(line)
		}
		fmt.Println(line)
	}
	if len(st.LastFailureEvidence) > 0 {
		fmt.Println("evidence:")
		for k, v := range st.LastFailureEvidence {
			fmt.Printf("  %s: %s\n", k, firstLineOf(v))
		}
	}
	if rec := readRunRecord(paths); rec != nil {
		fmt.Printf("final:  %s (%d items, %d fix attempts)\n", rec.FinalStatus, rec.ItemsTotal, rec.FixAttemptsTotal)
	}
	return exitOK
}

func cmdCancel(args []string) int {
	addr := "127.0.0.1:8337"
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run-id":
			i++
			runID = argAt(args, i)
		case "--addr":
			i++
			addr = argAt(args, i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			return exitFailed
		}
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "--run-id is required")
		return exitFailed
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/runs/%s/cancel", addr, runID), "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		return exitFailed
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "cancel: server returned %s\n", resp.Status)
		return exitFailed
	}
	fmt.Println("cancel requested")
	return exitOK
}

func cmdServe(args []string) int {
	addr := "127.0.0.1:8337"
	var configPath, baseDir string
	workers := 2
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			addr = argAt(args, i)
		case "--config":
			i++
			configPath = argAt(args, i)
		case "--base":
			i++
			baseDir = argAt(args, i)
		case "--workers":
			i++
			fmt.Sscanf(argAt(args, i), "%d", &workers)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			return exitFailed
		}
	}
	cfg, err := loadConfigFlag(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFailed
	}
	if baseDir == "" {
		baseDir = defaultBaseDir()
	}
	srv := server.New(server.Config{
		Addr:       addr,
		BaseDir:    baseDir,
		RunConfig:  cfg,
		MaxWorkers: workers,
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func firstLineOf(s string) string {
	line := strings.TrimSpace(strings.Split(s, "\n")[0])
	if len(line) > 100 {
		line = line[:100]
	}
	return line
}

func readRunRecord(paths *runpaths.RunPaths) *metrics.RunRecord {
	b, err := os.ReadFile(paths.RunMetricsFile())
	if err != nil {
		return nil
	}
	var rec metrics.RunRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil
	}
	return &rec
}
