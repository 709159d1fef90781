// Package capture launches the external capture process that renders a
// streaming site and emits fMP4 onto stdout. The pipeline consumes that byte
// stream; this package only manages the process lifecycle.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrBinaryNotFound is returned when no capture binary can be located.
var ErrBinaryNotFound = errors.New("capture binary not found")

// DefaultBinaryName is the companion capture binary searched for when no
// command is configured.
const DefaultBinaryName = "prismcast-capture"

// BinaryEnvVar overrides the capture binary location.
const BinaryEnvVar = "PRISMCAST_CAPTURE_BIN"

// urlPlaceholder in configured args is replaced with the channel's capture
// URL.
const urlPlaceholder = "{url}"

// FindBinary locates an executable capture binary. Search order: the
// environment override, ./name for development builds, then PATH.
func FindBinary(name, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if localPath := "./" + name; isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// ExpandArgs substitutes the {url} placeholder in configured capture
// arguments.
func ExpandArgs(args []string, captureURL string) []string {
	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = strings.ReplaceAll(arg, urlPlaceholder, captureURL)
	}
	return expanded
}

// CommandSource runs a capture command per Open call and exposes its stdout
// as the ingest byte stream. Stderr is drained into the logger.
type CommandSource struct {
	binary string
	args   []string
	logger *slog.Logger
}

// NewCommandSource builds a source for one channel. binary may be empty, in
// which case the default capture binary is located via FindBinary.
func NewCommandSource(binary string, args []string, captureURL string, logger *slog.Logger) (*CommandSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if binary == "" {
		found, err := FindBinary(DefaultBinaryName, BinaryEnvVar)
		if err != nil {
			return nil, err
		}
		binary = found
	}

	return &CommandSource{
		binary: binary,
		args:   ExpandArgs(args, captureURL),
		logger: logger,
	}, nil
}

// Open starts the capture process. The returned reader yields its stdout;
// closing it terminates the process. Cancelling ctx also kills the process.
func (s *CommandSource) Open(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, s.binary, s.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting capture %s: %w", s.binary, err)
	}

	s.logger.Debug("capture process started",
		slog.String("binary", s.binary),
		slog.Int("pid", cmd.Process.Pid),
	)

	go s.drainStderr(stderr)

	return &processReader{ReadCloser: stdout, cmd: cmd, logger: s.logger}, nil
}

// drainStderr forwards capture process diagnostics to the log.
func (s *CommandSource) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.Debug("capture stderr",
				slog.String("output", strings.TrimSpace(string(buf[:n]))),
			)
		}
		if err != nil {
			return
		}
	}
}

// String returns the command line for logs.
func (s *CommandSource) String() string {
	return s.binary + " " + strings.Join(s.args, " ")
}

// processReader ties the stdout pipe to the process: Close kills the capture
// and reaps it.
type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	logger *slog.Logger

	closeOnce sync.Once
}

func (r *processReader) Close() error {
	r.closeOnce.Do(func() {
		_ = r.ReadCloser.Close()
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		// Reap; the exit status of a killed capture is not an error.
		_ = r.cmd.Wait()
		r.logger.Debug("capture process stopped")
	})
	return nil
}
