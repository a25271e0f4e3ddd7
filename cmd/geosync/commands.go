package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/terracarta/geosync/pkg/config"
	"github.com/terracarta/geosync/pkg/gate"
	"github.com/terracarta/geosync/pkg/models"
	"go.uber.org/zap"
)

func newRunCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch all configured environments and reconcile continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return rt.manager.Run(ctx)
		},
	}
}

func newReconcileCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <environment>",
		Short: "Run a single reconciliation cycle for one environment",
		Long: "Runs one fetch-plan-apply cycle synchronously and exits with a " +
			"status code describing the outcome. Meant for cron or pipeline use " +
			"when no long-running agent owns the environment.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath, log)
			if err != nil {
				return err
			}
			w, err := rt.manager.Watcher(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			return w.ReconcileOnce(ctx)
		},
	}
}

func newStatusCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <environment>",
		Short: "Print the environment's deployment state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath, log)
			if err != nil {
				return err
			}

			state := rt.store.Environment(args[0])
			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newValidateCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	var environment string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the environment's configuration at the branch head",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath, log)
			if err != nil {
				return err
			}
			env, ok := rt.environment(environment)
			if !ok {
				return fmt.Errorf("unknown environment %q", environment)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			head, err := rt.mirrors[env.Name].Fetch(ctx)
			if err != nil {
				return err
			}
			doc, err := rt.loaders[env.Name].Load(head, env.Path)
			if err != nil {
				return err
			}
			log.Infow("Configuration valid",
				"environment", env.Name,
				"commit", head,
				"services", len(doc.Services),
				"datasources", len(doc.Datasources))
			return nil
		},
	}
	cmd.Flags().StringVarP(&environment, "env", "e", "", "environment to validate")
	cmd.MarkFlagRequired("env")
	return cmd
}

func newApproveCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	return newDecisionCommand(configPath, log, "approve", models.DecisionApprove)
}

func newRejectCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	return newDecisionCommand(configPath, log, "reject", models.DecisionReject)
}

// newDecisionCommand posts a decision on the file channel; the running agent
// observes it on its next poll.
func newDecisionCommand(configPath *string, log *zap.SugaredLogger, verb string, verdict models.DecisionVerdict) *cobra.Command {
	var responder string

	cmd := &cobra.Command{
		Use:   verb + " <deploymentID>",
		Short: verb + " a deployment that is awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(*configPath).LoadAndValidateConfig()
			if err != nil {
				return err
			}
			channel, err := gate.NewFileChannel(decisionDir(cfg))
			if err != nil {
				return err
			}
			decision := models.ApprovalDecision{
				DeploymentID: args[0],
				Decision:     verdict,
				Responder:    responder,
				PostedAt:     time.Now().UTC(),
			}
			if err := channel.Post(decision); err != nil {
				return err
			}
			log.Infow("Decision posted", "deploymentId", args[0], "decision", verdict, "responder", responder)
			return nil
		},
	}
	cmd.Flags().StringVarP(&responder, "responder", "r", "", "name of the person deciding")
	cmd.MarkFlagRequired("responder")
	return cmd
}

func newRollbackCommand(configPath *string, log *zap.SugaredLogger) *cobra.Command {
	var initiatedBy string

	cmd := &cobra.Command{
		Use:   "rollback <environment>",
		Short: "Force a rollback to the last successful deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath, log)
			if err != nil {
				return err
			}
			w, err := rt.manager.Watcher(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := w.ForceRollback(ctx, initiatedBy); err != nil {
				return err
			}
			log.Infow("Rollback completed", "environment", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&initiatedBy, "by", "operator", "who initiated the rollback")
	return cmd
}

func decisionDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "decisions")
}

func approvalDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "approvals")
}

func snapshotDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "snapshots")
}
