package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// display is a virtual X server for headful Chrome.
type display struct {
	name   string
	socket string
	cmd    *exec.Cmd
	logger *slog.Logger
}

// socketPath returns the X11 socket an Xvfb on name listens on.
func socketPath(name string) (string, error) {
	n := strings.TrimPrefix(name, ":")
	if i := strings.IndexByte(n, '.'); i >= 0 {
		n = n[:i]
	}
	num, err := strconv.Atoi(n)
	if err != nil || num < 0 {
		return "", fmt.Errorf("browser: invalid display %q", name)
	}
	return "/tmp/.X11-unix/X" + strconv.Itoa(num), nil
}

// startDisplay runs Xvfb on name and returns once its socket accepts
// clients or timeout expires.
func startDisplay(name string, timeout time.Duration, logger *slog.Logger) (*display, error) {
	sock, err := socketPath(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("Xvfb", name, "-screen", "0", "1920x1080x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("browser: start xvfb: %w", err)
	}
	d := &display{name: name, socket: sock, cmd: cmd, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := waitFor(ctx, 50*time.Millisecond, d.ready); err != nil {
		d.stop()
		return nil, fmt.Errorf("browser: xvfb %s not ready: %w", name, err)
	}
	logger.Info("browser: xvfb started", "display", name, "pid", cmd.Process.Pid)
	return d, nil
}

func (d *display) ready() bool {
	_, err := os.Stat(d.socket)
	return err == nil
}

// env is the environment Chrome is launched with.
func (d *display) env() []string {
	return append(os.Environ(), "DISPLAY="+d.name)
}

func (d *display) stop() {
	if d == nil || d.cmd.Process == nil {
		return
	}
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
	d.logger.Info("browser: xvfb stopped", "display", d.name)
}

// waitFor polls cond every interval until it holds or ctx ends.
func waitFor(ctx context.Context, interval time.Duration, cond func() bool) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
