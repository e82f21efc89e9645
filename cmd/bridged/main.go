package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agent-command/bridged/internal/catalog"
	"github.com/agent-command/bridged/internal/config"
	"github.com/agent-command/bridged/internal/launcher"
	"github.com/agent-command/bridged/internal/metrics"
	"github.com/agent-command/bridged/internal/proc"
	"github.com/agent-command/bridged/internal/queue"
	"github.com/agent-command/bridged/internal/registry"
	"github.com/agent-command/bridged/internal/relay"
	"github.com/agent-command/bridged/internal/session"
	"github.com/agent-command/bridged/internal/usage"
)

const Version = "0.1.0"

const defaultConfigPath = "/etc/bridged/config.yaml"

func main() {
	// Check for subcommands first
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "projects":
			runProjectsCommand(os.Args[2:])
			return
		case "sessions":
			runSessionsCommand(os.Args[2:])
			return
		case "version":
			fmt.Printf("bridged version %s\n", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: run as daemon
	runDaemon()
}

func printHelp() {
	fmt.Println(`bridged - chat-to-agent bridge daemon

Usage:
  bridged [command] [options]

Commands:
  (none)       Run as daemon (default)
  status       Show daemon and agent process status
  projects     List recorded agent projects
  sessions     List recorded sessions for a project
  version      Show version information
  help         Show this help

Daemon Options:
  -config string  Path to config file (default "` + defaultConfigPath + `")

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runDaemon() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cli := launcher.NewCLILauncher(cfg.Claude.Bin)
	if err := cli.Check(); err != nil {
		log.Fatalf("Agent binary unavailable: %v", err)
	}

	cat := catalog.New(cfg.Claude.ProjectsDir)
	if err := cat.Watch(); err != nil {
		log.Printf("Catalog watcher unavailable, falling back to rescans: %v", err)
	}

	reg := registry.New(cat)
	tracker := usage.NewTracker()
	mtr := metrics.New()

	outbound, err := queue.Open(cfg.Storage.StateDir, cfg.Storage.OutboundQueueMax)
	if err != nil {
		log.Fatalf("Failed to open outbound queue: %v", err)
	}
	if acked := queue.LoadAckedSeq(cfg.Storage.StateDir); acked > 0 {
		_ = outbound.Ack(acked)
	}

	hostID, err := os.Hostname()
	if err != nil {
		hostID = "bridged"
	}

	client := relay.NewClient(
		cfg.Transport.WSURL,
		cfg.Transport.Token,
		hostID,
		cfg.Transport.ReconnectBackoffMs,
		outbound,
		cfg.Storage.StateDir,
	)

	bridge := relay.NewBridge(client, reg, cat)
	manager := session.NewManager(session.Options{
		Launcher:         cli,
		Registry:         reg,
		Tracker:          tracker,
		Metrics:          mtr,
		Sink:             bridge.HandleUpdate,
		DefaultModel:     cfg.Claude.Model,
		DefaultWorkDir:   cfg.Claude.DefaultWorkingDir,
		PermissionMode:   cfg.Claude.PermissionMode,
		AllowedTools:     cfg.Claude.AllowedTools,
		DefaultBudgetUSD: cfg.Claude.MaxBudgetUSD,
		ApprovalTimeout:  time.Duration(cfg.Claude.ApprovalTimeoutMs) * time.Millisecond,
	})
	bridge.SetManager(manager)

	client.SetMessageHandler(bridge.HandleInbound)
	client.SetOnConnect(client.ResendPending)
	go client.ConnectWithRetry()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := mtr.Serve(cfg.Metrics.Listen); err != nil {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			mtr.QueueDepth.Set(float64(outbound.Len()))
		}
	}()

	log.Printf("bridged %s started (relay %s, model %s)", Version, cfg.Transport.WSURL, cfg.Claude.Model)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	client.Close()
	cat.Close()
	if err := outbound.Close(); err != nil {
		log.Printf("Queue close: %v", err)
	}
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
		return
	}

	binErr := launcher.NewCLILauncher(cfg.Claude.Bin).Check()
	agents := proc.TakeSnapshot().AgentProcesses(cfg.Claude.Bin)
	acked := queue.LoadAckedSeq(cfg.Storage.StateDir)

	status := map[string]any{
		"version":         Version,
		"relay":           cfg.Transport.WSURL,
		"agent_bin":       cfg.Claude.Bin,
		"agent_available": binErr == nil,
		"agent_processes": len(agents),
		"projects_dir":    cfg.Claude.ProjectsDir,
		"state_dir":       cfg.Storage.StateDir,
		"last_acked_seq":  acked,
	}
	if binErr != nil {
		status["agent_error"] = binErr.Error()
	}

	if *jsonOutput {
		outputJSON(status)
		return
	}

	fmt.Printf("Bridge Status\n")
	fmt.Printf("=============\n")
	fmt.Printf("Version:         %s\n", Version)
	fmt.Printf("Relay:           %s\n", cfg.Transport.WSURL)
	fmt.Printf("Agent Binary:    %s\n", cfg.Claude.Bin)
	fmt.Printf("Agent Available: %v\n", binErr == nil)
	if binErr != nil {
		fmt.Printf("Agent Error:     %s\n", binErr.Error())
	}
	fmt.Printf("Agent Processes: %d\n", len(agents))
	for _, a := range agents {
		fmt.Printf("  pid %d: %s\n", a.Pid, a.Cmdline)
	}
	fmt.Printf("Projects Dir:    %s\n", cfg.Claude.ProjectsDir)
	fmt.Printf("State Dir:       %s\n", cfg.Storage.StateDir)
	fmt.Printf("Last Acked Seq:  %d\n", acked)
}

func runProjectsCommand(args []string) {
	fs := flag.NewFlagSet("projects", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	projects := catalog.New(cfg.Claude.ProjectsDir).ListProjects()

	if *jsonOutput {
		outputJSON(projects)
		return
	}
	if len(projects) == 0 {
		fmt.Println("No projects recorded.")
		return
	}
	for _, p := range projects {
		fmt.Printf("%-50s %d sessions\n", p.Path, p.SessionCount)
	}
}

func runSessionsCommand(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	project := fs.String("project", "", "Project directory path")
	limit := fs.Int("n", 10, "Maximum sessions to list")
	fs.Parse(args)

	if *project == "" {
		log.Fatalf("Usage: bridged sessions -project <dir>")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dirName := strings.ReplaceAll(*project, string(os.PathSeparator), "-")
	sessions := catalog.New(cfg.Claude.ProjectsDir).ListSessions(dirName, *limit)

	if *jsonOutput {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded for this project.")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%-38s %4d msgs  %s\n", s.Token, s.MessageCount, s.FirstMessage)
	}
}

func outputJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
