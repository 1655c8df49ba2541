package hypervcli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// shell executes an enveloped script and returns its raw stdout.
type shell interface {
	exec(ctx context.Context, script string) ([]byte, error)
	close() error
}

// process is one running PowerShell host reading commands from stdin.
type process struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	kill   func() error
}

// session keeps a single PowerShell process alive between commands so the
// Hyper-V module is loaded once. Commands are serialized; a failed or
// cancelled exchange discards the process and the next command starts a new one.
type session struct {
	mu     sync.Mutex
	spawn  func() (*process, error)
	proc   *process
	closed bool
}

func newSession(binary string) *session {
	return &session{spawn: func() (*process, error) { return spawnPowerShell(binary) }}
}

func spawnPowerShell(binary string) (*process, error) {
	cmd := exec.Command(binary, "-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open powershell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open powershell stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start powershell %q: %w", binary, err)
	}
	return &process{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		kill: func() error {
			_ = stdin.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return cmd.Wait()
		},
	}, nil
}

func (s *session) exec(ctx context.Context, script string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.proc == nil {
		p, err := s.spawn()
		if err != nil {
			return nil, err
		}
		s.proc = p
	}

	marker := "--catlet-" + uuid.NewString() + "--"
	if _, err := io.WriteString(s.proc.stdin, frame(script, marker)); err != nil {
		s.resetLocked()
		return nil, fmt.Errorf("write to powershell session: %w", err)
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	stdout := s.proc.stdout
	go func() {
		out, err := readFrame(stdout, marker)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.resetLocked()
			return nil, fmt.Errorf("read from powershell session: %w", r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		// The host may still be executing; killing the process is the only
		// way to get a clean stream for the next command.
		s.resetLocked()
		return nil, ctx.Err()
	}
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.resetLocked()
	return nil
}

func (s *session) resetLocked() {
	if s.proc == nil {
		return
	}
	_ = s.proc.kill()
	s.proc = nil
}

// frame turns a script into one input line for "-Command -": PowerShell reads
// stdin line by line, so the script travels base64 encoded and is followed by
// the end marker.
func frame(script, marker string) string {
	return fmt.Sprintf(
		"Invoke-Expression ([Text.Encoding]::Unicode.GetString([Convert]::FromBase64String('%s'))); Write-Output '%s'\n",
		encodeCommand(envelope(script)), marker,
	)
}

// readFrame collects output lines until the marker line.
func readFrame(r *bufio.Reader, marker string) ([]byte, error) {
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if strings.TrimRight(line, "\r\n") == marker {
			return out.Bytes(), nil
		}
		out.WriteString(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("powershell exited before completing the command: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}

// oneShot starts a dedicated PowerShell process per script.
type oneShot struct {
	binary string
}

func (o oneShot) exec(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, o.binary, "-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
		"-EncodedCommand", encodeCommand(envelope(script)))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CommandError{
			Command: "powershell",
			Mode:    ModeOutOfProcess,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

func (o oneShot) close() error { return nil }
