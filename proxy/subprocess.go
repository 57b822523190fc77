package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Subprocess spawns each isolate as a child process speaking the frame
// protocol on its stdin and stdout. Closing the channel kills the child.
type Subprocess struct {
	// Path is the executable; empty means the running binary.
	Path string
	// Args default to ["isolate"].
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Stderr receives the child's logs; nil means os.Stderr.
	Stderr io.Writer
}

// Spawn starts the child process.
func (s *Subprocess) Spawn(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"isolate"}
	}

	// Not CommandContext: the child outlives the spawn context and is
	// stopped by Close.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start isolate process: %w", err)
	}

	return &processChannel{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type processChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	once sync.Once
	err  error
}

func (c *processChannel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close kills the child without waiting for it to exit on its own and reaps
// it.
func (c *processChannel) Close() error {
	c.once.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.err = err
			}
		}
		// Wait reports the kill signal as an error.
		_ = c.cmd.Wait()
	})
	return c.err
}
