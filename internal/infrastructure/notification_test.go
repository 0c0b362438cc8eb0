package infrastructure

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

type sentNotification struct {
	name string
	args []string
}

func recordingNotifier(t *testing.T, method string, enabled bool) (*NotificationService, *[]sentNotification) {
	sh := requireShell(t)
	var sent []sentNotification
	n := NewNotificationService(&domain.NotificationConfig{Enabled: enabled, Method: method}, zap.NewNop())
	n.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		sent = append(sent, sentNotification{name: name, args: args})
		return exec.CommandContext(ctx, sh, "-c", "exit 0")
	}
	return n, &sent
}

func TestNotificationService_JobOutcomes(t *testing.T) {
	n, sent := recordingNotifier(t, "notify-send", true)
	job := domain.NewDownloadJob("https://cdn.example.com/manifest.mpd", "/tmp/out")

	n.NotifyJobStarted(job)
	n.NotifyJobFinished(job, &domain.JobResult{Status: domain.ResultCompleted})
	n.NotifyJobFinished(job, &domain.JobResult{Status: domain.ResultFailed, Stage: domain.StateManifestFetched})
	n.NotifyJobFinished(job, nil)

	if assert.Len(t, *sent, 3) {
		assert.Equal(t, "notify-send", (*sent)[0].name)
		assert.Equal(t, "Download Started", (*sent)[0].args[0])
		assert.Equal(t, "Download Completed", (*sent)[1].args[0])
		assert.Equal(t, "Download Failed", (*sent)[2].args[0])
		assert.Contains(t, (*sent)[2].args[1], "manifest fetched")
	}
}

func TestNotificationService_Disabled(t *testing.T) {
	n, sent := recordingNotifier(t, "notify-send", false)
	assert.NoError(t, n.Send("title", "message"))
	assert.Empty(t, *sent)
}

func TestNotificationService_UnknownMethod(t *testing.T) {
	n, sent := recordingNotifier(t, "carrier-pigeon", true)
	assert.NoError(t, n.Send("title", "message"))
	assert.Empty(t, *sent)
}

func TestNotifyCommand_OSAScriptQuotes(t *testing.T) {
	name, args, ok := notifyCommand("osascript", "Done", `file "a".mp4`)
	assert.True(t, ok)
	assert.Equal(t, "osascript", name)
	assert.Equal(t, []string{"-e", `display notification "file \"a\".mp4" with title "Done"`}, args)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abc...", truncateString("abcdef", 3))
}
