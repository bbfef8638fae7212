package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Launcher starts the downstream import job. It returns once the job has
// started; it never waits for the job to finish.
type Launcher interface {
	Launch(ctx context.Context) error
}

// ExecLauncher runs Command through sh -c in Dir. The child inherits the
// service environment plus Env, and writes to the service's stdout and stderr.
type ExecLauncher struct {
	Command string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *zap.Logger
}

func (l *ExecLauncher) Launch(_ context.Context) error {
	// Not bound to the delivery context: the job outlives the delivery.
	cmd := exec.Command("sh", "-c", l.Command)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q in %s: %w", l.Command, l.Dir, err)
	}

	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pid := cmd.Process.Pid
	logger.Info("import job started", zap.Int("pid", pid), zap.String("command", l.Command))

	go func() {
		err := cmd.Wait()
		logger.Info("import job exited", zap.Int("pid", pid), zap.Error(err))
	}()
	return nil
}

// NopLauncher only logs. It is used when no launch command is configured.
type NopLauncher struct {
	Logger *zap.Logger
}

func (l NopLauncher) Launch(context.Context) error {
	if l.Logger != nil {
		l.Logger.Info("no import job configured, skipping launch")
	}
	return nil
}
