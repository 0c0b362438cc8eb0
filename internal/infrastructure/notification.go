package infrastructure

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

const notifyTimeout = 5 * time.Second

// NotificationService sends desktop notifications about job lifecycle events
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger

	// command builds the notifier invocation; replaced in tests
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		config:  config,
		logger:  logger,
		command: exec.CommandContext,
	}
}

// Send sends a notification using the configured method
func (n *NotificationService) Send(title, message string) error {
	if n.config == nil || !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	name, args, ok := notifyCommand(n.config.Method, title, message)
	if !ok {
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := n.command(ctx, name, args...).Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// notifyCommand returns the binary and arguments for a notification method
func notifyCommand(method, title, message string) (string, []string, bool) {
	switch method {
	case "osascript":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		return "osascript", []string{"-e", script}, true
	case "notify-send":
		return "notify-send", []string{title, message}, true
	default:
		return "", nil, false
	}
}

// NotifyJobStarted sends a notification when a job starts running
func (n *NotificationService) NotifyJobStarted(job *domain.DownloadJob) {
	n.Send("Download Started", fmt.Sprintf("Fetching %s", truncateString(job.ManifestURL, 40)))
}

// NotifyJobFinished sends a notification describing the job outcome
func (n *NotificationService) NotifyJobFinished(job *domain.DownloadJob, result *domain.JobResult) {
	if result == nil {
		return
	}

	target := truncateString(job.ManifestURL, 40)
	switch result.Status {
	case domain.ResultCompleted:
		n.Send("Download Completed", fmt.Sprintf("Success: %s", target))
	case domain.ResultPartial:
		n.Send("Download Incomplete", fmt.Sprintf("Partial: %s", target))
	case domain.ResultCancelled:
		n.Send("Download Cancelled", fmt.Sprintf("Cancelled: %s", target))
	default:
		msg := fmt.Sprintf("Failed: %s", target)
		if result.Stage != "" {
			msg += fmt.Sprintf(" (%s)", strings.ReplaceAll(string(result.Stage), "_", " "))
		}
		n.Send("Download Failed", msg)
	}
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
