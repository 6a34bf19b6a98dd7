package tool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stderrTailLines is how many trailing stderr lines are kept for error messages
const stderrTailLines = 8

// waitDelay bounds how long Wait blocks on pipes after the process is killed
const waitDelay = 5 * time.Second

// process runs one external tool out of process in its own process group, so a
// hung or killed tool never blocks the caller beyond its context.
type process struct {
	tool     string
	path     string
	args     []string
	onStdout func(line string)
	onStderr func(line string)
}

func (p *process) run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return &InvocationError{Tool: p.tool, Err: fmt.Errorf("setup stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return &InvocationError{Tool: p.tool, Err: fmt.Errorf("setup stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &InvocationError{Tool: p.tool, Err: fmt.Errorf("start: %w", err)}
	}

	tail := newLineTail(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, p.onStdout)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, func(line string) {
			tail.add(line)
			if p.onStderr != nil {
				p.onStderr(line)
			}
		})
	}()
	// Readers must drain before Wait closes the pipes
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &InvocationError{Tool: p.tool, Err: ctxErr}
		}
		return &InvocationError{Tool: p.tool, Err: err, Stderr: tail.String()}
	}
	return nil
}

func scanLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}
	// Drain whatever is left so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// splitByNewlineOrCR treats both \n and \r as line ends; tools redraw
// progress lines with a bare carriage return.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// lineTail keeps the last n non-empty lines
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
