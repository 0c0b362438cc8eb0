package infrastructure

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"go.uber.org/zap"
)

// stderrTailLines is how many trailing stderr lines are kept for error messages
const stderrTailLines = 5

var toolProgressRegex = regexp.MustCompile(`([\d.]+)\s*%`)

// ProcessSpec describes one external tool invocation
type ProcessSpec struct {
	Binary   string
	Args     []string
	Stage    domain.JobState
	StreamID string
	Kind     domain.StreamKind
}

// ProcessRunner runs external tools and turns their output into progress events
type ProcessRunner struct {
	logger *zap.Logger
}

// NewProcessRunner creates a new process runner
func NewProcessRunner(logger *zap.Logger) *ProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{logger: logger}
}

// Run executes the tool and blocks until it exits. Cancelling ctx kills the process.
func (r *ProcessRunner) Run(ctx context.Context, spec ProcessSpec, progress domain.ProgressFunc) error {
	r.logger.Info("Running external tool",
		zap.String("stream", spec.StreamID),
		zap.String("command", CommandLine(spec.Binary, spec.Args...)))

	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		tail []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.consume(stdout, spec, progress, nil)
	}()
	go func() {
		defer wg.Done()
		r.consume(stderr, spec, progress, func(line string) {
			mu.Lock()
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
			mu.Unlock()
		})
	}()
	// Pipes must be drained before Wait closes them
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", spec.Binary, ctx.Err())
		}
		if len(tail) > 0 {
			return fmt.Errorf("%s failed: %w: %s", spec.Binary, err, strings.Join(tail, "; "))
		}
		return fmt.Errorf("%s failed: %w", spec.Binary, err)
	}
	return nil
}

// consume is the single place where raw tool output becomes structured events
func (r *ProcessRunner) consume(pipe io.Reader, spec ProcessSpec, progress domain.ProgressFunc, onLine func(string)) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	scanner.Split(scanToolLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if onLine != nil {
			onLine(line)
		}
		r.logger.Debug("tool output", zap.String("tool", spec.Binary), zap.String("line", line))

		percent := parseToolProgress(line)
		if percent < 0 {
			continue
		}
		progress.Emit(domain.ProgressEvent{
			Stage:    spec.Stage,
			StreamID: spec.StreamID,
			Kind:     spec.Kind,
			Percent:  percent,
			Message:  line,
		})
	}
}

// parseToolProgress extracts a percentage from a tool output line, or -1
func parseToolProgress(line string) float64 {
	match := toolProgressRegex.FindStringSubmatch(line)
	if match == nil {
		return -1
	}
	percent, err := strconv.ParseFloat(match[1], 64)
	if err != nil || percent > 100 {
		return -1
	}
	return percent
}

// scanToolLines splits on '\n' and on bare '\r', which progress bars use to redraw
func scanToolLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// shellSpecialChars are the characters that force quoting in CommandLine
const shellSpecialChars = " \t\n\r'\"$`\\!*?[](){}|;<>&~#%"

// QuoteArg quotes one argument for display in a shell command line
func QuoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, shellSpecialChars) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// CommandLine renders a binary and its arguments as a copy-pasteable shell line.
// It is used for logging only; exec never goes through a shell.
func CommandLine(binary string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, QuoteArg(binary))
	for _, arg := range args {
		parts = append(parts, QuoteArg(arg))
	}
	return strings.Join(parts, " ")
}
