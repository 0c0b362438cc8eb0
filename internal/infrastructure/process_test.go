package infrastructure

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestProcessRunner_EmitsProgress(t *testing.T) {
	sh := requireShell(t)
	runner := NewProcessRunner(zap.NewNop())

	var (
		mu     sync.Mutex
		events []domain.ProgressEvent
	)
	progress := func(e domain.ProgressEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	err := runner.Run(context.Background(), ProcessSpec{
		Binary:   sh,
		Args:     []string{"-c", `printf 'Decrypting 12.5%%\r'; echo "done 100%"; echo "no progress here"; echo "warn 40%" 1>&2`},
		Stage:    domain.StateDecrypting,
		StreamID: "video-0",
		Kind:     domain.KindVideo,
	}, progress)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)

	percents := map[float64]bool{}
	for _, e := range events {
		assert.Equal(t, domain.StateDecrypting, e.Stage)
		assert.Equal(t, "video-0", e.StreamID)
		assert.False(t, e.Time.IsZero())
		percents[e.Percent] = true
	}
	assert.True(t, percents[12.5])
	assert.True(t, percents[100])
	assert.True(t, percents[40])
}

func TestProcessRunner_FailureCarriesStderrTail(t *testing.T) {
	sh := requireShell(t)
	runner := NewProcessRunner(nil)

	err := runner.Run(context.Background(), ProcessSpec{
		Binary: sh,
		Args:   []string{"-c", `echo "ERROR: invalid key" 1>&2; exit 3`},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key")
}

func TestProcessRunner_Cancellation(t *testing.T) {
	sh := requireShell(t)
	runner := NewProcessRunner(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := runner.Run(ctx, ProcessSpec{Binary: sh, Args: []string{"-c", "exec sleep 5"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestProcessRunner_MissingBinary(t *testing.T) {
	err := NewProcessRunner(nil).Run(context.Background(), ProcessSpec{Binary: "/nonexistent/mp4decrypt"}, nil)
	assert.Error(t, err)
}

func TestParseToolProgress(t *testing.T) {
	assert.Equal(t, 45.3, parseToolProgress("Downloading: file.mp4 45.3% (12 MB / 27 MB)"))
	assert.Equal(t, 7.0, parseToolProgress("[7 %] processing"))
	assert.Equal(t, -1.0, parseToolProgress("no numbers"))
	assert.Equal(t, -1.0, parseToolProgress("ratio 250%"))
}

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/tmp/simple/path", "/tmp/simple/path"},
		{"", "''"},
		{"/tmp/path with spaces", "'/tmp/path with spaces'"},
		{"/tmp/it's", `'/tmp/it'"'"'s'`},
		{"in=a.mp4,stream=video,output=b.mp4", "in=a.mp4,stream=video,output=b.mp4"},
		{"$HOME", "'$HOME'"},
		{"a|b", "'a|b'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, QuoteArg(tt.input), tt.input)
	}
}

func TestCommandLine(t *testing.T) {
	line := CommandLine("mp4decrypt", "--key", "0123:abcd", "/tmp/my video.mp4", "out.mp4")
	assert.Equal(t, "mp4decrypt --key 0123:abcd '/tmp/my video.mp4' out.mp4", line)
}
