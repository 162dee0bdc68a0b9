package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/batonworks/baton/internal/command"
	"github.com/batonworks/baton/internal/config"
	"github.com/batonworks/baton/internal/diffcache"
	"github.com/batonworks/baton/internal/gateway"
	"github.com/batonworks/baton/internal/lifecycle"
	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/store"
	"github.com/batonworks/baton/internal/task"
	"github.com/batonworks/baton/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "baton",
	Short: "baton - workflow state & context synchronization engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (HTTP API + event stream + sweeper)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and database",
	RunE:  runOnboard,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task (intake)",
	RunE:  runCreate,
}

var runCmd = &cobra.Command{
	Use:   "run <taskId> <command>",
	Short: "Run one protocol command against a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runCommand,
}

var statusCmd = &cobra.Command{
	Use:   "status <taskId>",
	Short: "Show a task and its recent ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <taskId>",
	Short: "Resume a blocked or paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var (
	createID       string
	createName     string
	createDesc     string
	createPlan     string
	createPriority string
	createOwner    string
)

func init() {
	createCmd.Flags().StringVar(&createID, "id", "", "Stable external task id")
	createCmd.Flags().StringVar(&createName, "name", "", "Task name")
	createCmd.Flags().StringVar(&createDesc, "description", "", "Task description")
	createCmd.Flags().StringVar(&createPlan, "plan", "", "Implementation plan")
	createCmd.Flags().StringVar(&createPriority, "priority", "", "Priority")
	createCmd.Flags().StringVar(&createOwner, "owner", "", "Owner")
	rootCmd.AddCommand(serveCmd, onboardCmd, createCmd, runCmd, statusCmd, resumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				log.Printf("[telemetry] shutdown warning: %v", err)
			}
		}()
	}

	g, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	return g.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load existing config: %w", err)
		}
		cfg = loaded
		fmt.Println("config already exists, keeping it")
	} else {
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("wrote %s\n", config.ConfigPath())
	}

	repo, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer repo.Close()
	fmt.Printf("database ready at %s\n", cfg.Storage.DBPath)
	return nil
}

// stack bundles the one-shot components the non-serve subcommands need.
type stack struct {
	repo        task.Repository
	engine      *lifecycle.Engine
	interpreter *command.Interpreter
}

func openStack() (*stack, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	repo, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	engine := lifecycle.New(repo, nil)
	snapshotter := snapshot.New(repo, snapshot.Limits{
		Comments:    cfg.Snapshot.CommentLimit,
		Delegations: cfg.Snapshot.DelegationLimit,
		Transitions: cfg.Snapshot.TransitionLimit,
	})
	cache := diffcache.New(snapshotter)

	tables := command.DefaultTables()
	if err := tables.LoadOverrides(cfg.Shorthand.OverridesPath); err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("load shorthand overrides: %w", err)
	}

	s := &stack{
		repo:        repo,
		engine:      engine,
		interpreter: command.NewInterpreter(repo, engine, cache, tables),
	}
	return s, func() { _ = repo.Close() }, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openStack()
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := s.engine.CreateTask(context.Background(), lifecycle.CreateTaskRequest{
		TaskID:      createID,
		Name:        createName,
		Description: createDesc,
		Plan:        createPlan,
		Priority:    createPriority,
		Owner:       createOwner,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, t)
}

func runCommand(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openStack()
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := s.interpreter.Run(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, res)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openStack()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	taskID := args[0]
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	transitions, err := s.repo.ListTransitions(ctx, taskID, 10)
	if err != nil {
		return err
	}
	comments, err := s.repo.ListComments(ctx, taskID, 5)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, map[string]any{
		"task":        t,
		"transitions": transitions,
		"comments":    comments,
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openStack()
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := s.engine.Resume(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, t)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
