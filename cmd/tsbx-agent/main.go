// tsbx-agent is the in-sandbox Agent Runtime (C6): it runs inside the
// sandbox container, polls its own sandbox's queued tasks, and drives
// the Agent Loop until the process is stopped alongside the container.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/tsbx/internal/agentrt"
	"github.com/cuemby/tsbx/internal/llm"
	"github.com/cuemby/tsbx/internal/plan"
	"github.com/cuemby/tsbx/internal/store"
	"github.com/cuemby/tsbx/internal/zlog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tsbx-agent",
	Short: "tsbx-agent polls and executes queued tasks for one sandbox",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Duration("poll-interval", time.Second, "Interval between task poll cycles")
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	zlog.Init(zlog.Config{Level: zlog.Level(logLevel), JSONOutput: logJSON})
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	fmt.Println("Starting tsbx-agent")

	sandboxID := os.Getenv("SANDBOX_ID")
	if sandboxID == "" {
		return fmt.Errorf("SANDBOX_ID is required")
	}
	workDir := getEnv("TSBX_SANDBOX_DIR", "/workspace")
	storeDSN := os.Getenv("TSBX_STORE_DSN")
	if storeDSN == "" {
		return fmt.Errorf("TSBX_STORE_DSN is required")
	}

	requestCreatedAt := time.Now()
	if raw := os.Getenv("TSBX_REQUEST_CREATED_AT"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("parsing TSBX_REQUEST_CREATED_AT: %w", err)
		}
		requestCreatedAt = parsed
	}

	inferenceTimeout := 120 * time.Second
	if raw := os.Getenv("TSBX_INFERENCE_TIMEOUT_SECS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parsing TSBX_INFERENCE_TIMEOUT_SECS: %w", err)
		}
		inferenceTimeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPGStore(ctx, store.Config{DSN: storeDSN})
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()
	fmt.Println("✓ Connected to store")

	client := llm.NewHTTPClient(
		os.Getenv("TSBX_INFERENCE_URL"),
		os.Getenv("TSBX_INFERENCE_MODEL"),
		os.Getenv("TSBX_INFERENCE_API_KEY"),
		inferenceTimeout,
	)

	planMgr := plan.New(workDir)
	tools := buildRegistry(workDir, planMgr)

	runner := agentrt.New(sandboxID, st, client, planMgr, tools, requestCreatedAt)
	fmt.Printf("✓ Agent loop ready for sandbox %s (polling every %s)\n", sandboxID, pollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	fmt.Println()
	fmt.Println("tsbx-agent is running. Press Ctrl+C to stop.")

	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return nil
		case <-ticker.C:
			if err := runner.PollOnce(ctx); err != nil {
				zlog.Error(fmt.Sprintf("poll cycle failed: %v", err))
			}
		}
	}
}

func buildRegistry(workDir string, planMgr *plan.Manager) *agentrt.Registry {
	reg := agentrt.NewRegistry()
	reg.Register(&agentrt.ShellTool{WorkDir: workDir})
	reg.Register(&agentrt.OpenFileTool{WorkDir: workDir})
	reg.Register(&agentrt.CreateFileTool{WorkDir: workDir})
	reg.Register(&agentrt.StrReplaceTool{WorkDir: workDir})
	reg.Register(&agentrt.InsertTool{WorkDir: workDir})
	reg.Register(&agentrt.RemoveStrTool{WorkDir: workDir})
	reg.Register(&agentrt.FindFilenameTool{WorkDir: workDir})
	reg.Register(&agentrt.FindFilecontentTool{WorkDir: workDir})
	reg.Register(&agentrt.UpdatePlanTool{Manager: planMgr})
	reg.Register(&agentrt.OutputTool{})
	return reg
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
