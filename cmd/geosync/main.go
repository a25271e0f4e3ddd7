package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/terracarta/geosync/pkg/applier"
	"github.com/terracarta/geosync/pkg/gate"
	"github.com/terracarta/geosync/pkg/loader"
	"github.com/terracarta/geosync/pkg/watcher"
	"go.uber.org/zap"
)

// Exit codes for scripted callers.
const (
	exitOK              = 0
	exitValidationError = 1
	exitApprovalTimeout = 2
	exitRolledBack      = 3
	exitRollbackFailed  = 4
	exitUnexpectedError = 10
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitUnexpectedError)
	}
	defer logger.Sync()
	log := logger.Sugar()

	root := newRootCommand(log)
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCommand(log *zap.SugaredLogger) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "geosync",
		Short:         "GitOps reconciliation agent for geospatial server configuration",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "geosync.yaml", "path to the agent configuration file")

	root.AddCommand(
		newRunCommand(&configPath, log),
		newReconcileCommand(&configPath, log),
		newStatusCommand(&configPath, log),
		newValidateCommand(&configPath, log),
		newApproveCommand(&configPath, log),
		newRejectCommand(&configPath, log),
		newRollbackCommand(&configPath, log),
	)
	return root
}

// exitCode maps pipeline error kinds onto the documented exit codes.
func exitCode(err error) int {
	var parseErr *loader.ParseError
	var timeoutErr *gate.TimeoutError
	var rolledBack *watcher.RolledBackError
	var rollbackFailed *watcher.RollbackFailedError
	var applyErr *applier.ApplyError

	switch {
	case errors.As(err, &parseErr):
		return exitValidationError
	case errors.As(err, &timeoutErr):
		return exitApprovalTimeout
	case errors.As(err, &rollbackFailed):
		return exitRollbackFailed
	case errors.As(err, &rolledBack):
		return exitRolledBack
	case errors.As(err, &applyErr):
		return exitRolledBack
	default:
		return exitUnexpectedError
	}
}
