package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// serverBinaryEnv names an explicit drmfetch-server binary
const serverBinaryEnv = "DRMFETCH_SERVER_BIN"

type serverState int

const (
	serverDown serverState = iota
	serverStarting
	serverReady
)

var errTokenRejected = errors.New("server rejects the configured server.token")

// serverLauncher brings up a local drmfetch-server for the job commands and
// waits until /ready answers
type serverLauncher struct {
	baseURL    string
	configPath string
	token      string
	logsDir    string

	client   *http.Client
	timeout  time.Duration
	interval time.Duration

	// spawn starts binary with args; nil means startDetached
	spawn func(binary string, args []string, logFile string) error
}

func newServerLauncher(baseURL, configPath string, config *domain.Config) *serverLauncher {
	l := &serverLauncher{
		baseURL:    baseURL,
		configPath: configPath,
		client:     &http.Client{Timeout: time.Second},
		timeout:    10 * time.Second,
		interval:   200 * time.Millisecond,
	}
	if config != nil {
		l.token = config.Server.Token
		l.logsDir = config.Logging.LogsDir
	}
	return l
}

// state reports whether the server accepts jobs. With a token configured, a
// ready server must also accept it on the vault API.
func (l *serverLauncher) state(ctx context.Context) (serverState, error) {
	code, err := l.get(ctx, "/ready", "")
	if err != nil {
		return serverDown, nil
	}
	if code != http.StatusOK {
		return serverStarting, nil
	}
	if l.token == "" {
		return serverReady, nil
	}

	code, err = l.get(ctx, "/api/v1/vault/stats", l.token)
	if err != nil {
		return serverDown, nil
	}
	if code == http.StatusUnauthorized {
		return serverReady, fmt.Errorf("%s: %w", l.baseURL, errTokenRejected)
	}
	return serverReady, nil
}

func (l *serverLauncher) get(ctx context.Context, path, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// ensure starts the server when nothing answers at a loopback address and
// waits until it is ready. Remote servers are never started.
func (l *serverLauncher) ensure(ctx context.Context) error {
	state, err := l.state(ctx)
	if err != nil {
		return err
	}
	if state == serverReady {
		return nil
	}
	launched := state == serverDown
	if launched {
		if !isLoopback(l.baseURL) {
			return fmt.Errorf("server at %s is not reachable", l.baseURL)
		}
		fmt.Fprintln(os.Stderr, "Server not running, starting...")
		if err := l.launch(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	if err := l.waitReady(ctx); err != nil {
		return err
	}
	if launched {
		fmt.Fprintln(os.Stderr, "Server started successfully")
	}
	return nil
}

func (l *serverLauncher) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		state, err := l.state(ctx)
		if err != nil {
			return err
		}
		if state == serverReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not ready within %v", l.baseURL, l.timeout)
		case <-ticker.C:
		}
	}
}

// launch runs drmfetch-server in the foreground of a detached process group,
// with the CLI's config file and its output appended to server.out in the
// logs directory
func (l *serverLauncher) launch() error {
	binary, err := findServerBinary()
	if err != nil {
		return err
	}

	args := []string{"-foreground"}
	if l.configPath != "" {
		abs, err := filepath.Abs(l.configPath)
		if err != nil {
			return err
		}
		args = append(args, "-config", abs)
	}

	logFile := ""
	if l.logsDir != "" {
		logFile = filepath.Join(l.logsDir, "server.out")
	}

	spawn := l.spawn
	if spawn == nil {
		spawn = startDetached
	}
	return spawn(binary, args, logFile)
}

// findServerBinary prefers $DRMFETCH_SERVER_BIN, then a drmfetch-server next
// to the CLI executable, then PATH
func findServerBinary() (string, error) {
	if p := os.Getenv(serverBinaryEnv); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s: %w", serverBinaryEnv, err)
		}
		return p, nil
	}

	if execPath, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(execPath), "drmfetch-server")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	p, err := exec.LookPath("drmfetch-server")
	if err != nil {
		return "", fmt.Errorf("drmfetch-server not found (set %s)", serverBinaryEnv)
	}
	return p, nil
}

func startDetached(binary string, args []string, logFile string) error {
	cmd := exec.Command(binary, args...)
	setSysProcAttr(cmd)

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

func isLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
