package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/models"
)

// LocalExecutor runs commands on this host.
type LocalExecutor struct {
	Logger *zap.Logger
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, _ *models.Server, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Output: splitOutput(stdout.String()), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitStatus = exitErr.ExitCode()
			if e.Logger != nil {
				e.Logger.Debug("local command failed",
					zap.String("cmd", Quote(argv)),
					zap.Int("exit_code", res.ExitStatus))
			}
			return res, exitError(argv, res.ExitStatus)
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}
