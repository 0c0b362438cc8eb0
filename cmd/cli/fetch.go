package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [manifest-url]",
	Short: "Download, decrypt and name the selected streams of a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		req, err := jobRequestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		job, err := app.NewJob(req, config.Decrypt.Backend)
		if err != nil {
			return err
		}

		runtime, err := app.NewRuntime(config, logger.NewSingleLoggerAdapter(log))
		if err != nil {
			return err
		}
		defer runtime.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Job %s: %s\n", job.ID, job.ManifestURL)
		result, runErr := runtime.Orchestrator.Run(ctx, job, printProgress(log))
		printResult(result)
		if runErr != nil {
			return runErr
		}
		if result.Status != domain.ResultCompleted {
			return fmt.Errorf("job finished with status %s", result.Status)
		}
		return nil
	},
}

var streamsCmd = &cobra.Command{
	Use:   "streams [manifest-url]",
	Short: "List the streams of a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		headers, err := parseHeaders(cmd)
		if err != nil {
			return err
		}

		runtime, err := app.NewRuntime(config, logger.NewSingleLoggerAdapter(log))
		if err != nil {
			return err
		}
		defer runtime.Close()

		streams, kind, err := runtime.Orchestrator.ListStreams(cmd.Context(), args[0], headers)
		if err != nil {
			return err
		}

		fmt.Printf("%s manifest, %d streams\n\n", strings.ToUpper(string(kind)), len(streams))
		printStreams(streams)
		return nil
	},
}

func init() {
	addJobFlags(fetchCmd)
	streamsCmd.Flags().StringArrayP("header", "H", nil, `Request header "Name: value" (repeatable)`)
}

// addJobFlags registers the job request flags shared by fetch and jobs add
func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("header", "H", nil, `Request header "Name: value" (repeatable)`)
	cmd.Flags().StringArrayP("key", "k", nil, "Content key kid:key (repeatable, | separated lists accepted)")
	cmd.Flags().StringP("license-url", "l", "", "License server URL")
	cmd.Flags().String("drm", "", "DRM system preference (widevine, playready, clearkey, auto)")
	cmd.Flags().StringP("backend", "b", "", "Decrypt backend (native, mp4decrypt, shaka)")
	cmd.Flags().StringP("output", "o", "", "Output path or base name")
	cmd.Flags().String("video", "", `Video filter, e.g. "best", "res=1080", "id=v1"`)
	cmd.Flags().String("audio", "", `Audio filter, e.g. "lang=en|it:for=all"`)
	cmd.Flags().String("subtitle", "", `Subtitle filter, e.g. "lang=en", "none"`)
}

func parseHeaders(cmd *cobra.Command) (map[string]string, error) {
	raw, _ := cmd.Flags().GetStringArray("header")
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: value\"", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func jobRequestFromFlags(cmd *cobra.Command, manifestURL string) (app.JobRequest, error) {
	headers, err := parseHeaders(cmd)
	if err != nil {
		return app.JobRequest{}, err
	}

	keys, _ := cmd.Flags().GetStringArray("key")
	licenseURL, _ := cmd.Flags().GetString("license-url")
	drm, _ := cmd.Flags().GetString("drm")
	backend, _ := cmd.Flags().GetString("backend")
	output, _ := cmd.Flags().GetString("output")
	video, _ := cmd.Flags().GetString("video")
	audio, _ := cmd.Flags().GetString("audio")
	subtitle, _ := cmd.Flags().GetString("subtitle")

	return app.JobRequest{
		ManifestURL:   manifestURL,
		Headers:       headers,
		LicenseURL:    licenseURL,
		Keys:          strings.Join(keys, "|"),
		DRMPreference: drm,
		Backend:       backend,
		OutputPath:    output,
		Filters:       domain.Filters{Video: video, Audio: audio, Subtitle: subtitle},
	}, nil
}

// printProgress prints stage changes and per-stream download progress
func printProgress(log *zap.Logger) domain.ProgressFunc {
	var (
		mu          sync.Mutex
		lastStage   domain.JobState
		lastPercent = map[string]int{}
	)
	return func(e domain.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()

		if e.Stage != lastStage {
			lastStage = e.Stage
			fmt.Println(color.CyanString("==>"), e.Stage)
		}
		if e.StreamID == "" || e.Total == 0 {
			return
		}
		// every 10%
		step := int(e.Percent) / 10
		if step == lastPercent[e.StreamID] && e.Completed != e.Total {
			return
		}
		lastPercent[e.StreamID] = step
		line := fmt.Sprintf("    %-6s %-24s %4d/%-4d %5.1f%%", e.Kind, truncate(e.StreamID, 24), e.Completed, e.Total, e.Percent)
		if e.Failed > 0 {
			line += color.RedString(" (%d failed)", e.Failed)
		}
		fmt.Println(line)
		log.Debug("progress", zap.String("stream", e.StreamID), zap.Float64("percent", e.Percent))
	}
}

func printResult(result *domain.JobResult) {
	if result == nil {
		return
	}
	fmt.Println()
	fmt.Printf("Result: %s", statusColor(string(result.Status)))
	if result.KeySource != "" {
		fmt.Printf("  (keys: %s)", result.KeySource)
	}
	fmt.Println()
	if result.Error != "" {
		fmt.Printf("  %s %s (stage %s)\n", color.RedString("error:"), result.Error, result.Stage)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tKIND\tSEGMENTS\tSTATUS\tOUTPUT")
	for _, s := range result.Streams {
		status := "ok"
		if s.Error != "" {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			truncate(s.StreamID, 24), s.Kind, s.Downloaded, s.Segments, statusColor(status), s.Path)
	}
	w.Flush()
}

func printStreams(streams []*domain.Stream) {
	sorted := append([]*domain.Stream(nil), streams...)
	order := map[domain.StreamKind]int{domain.KindVideo: 0, domain.KindAudio: 1, domain.KindSubtitle: 2}
	sort.SliceStable(sorted, func(i, j int) bool {
		return order[sorted[i].Kind] < order[sorted[j].Kind]
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tKBPS\tRESOLUTION\tCODECS\tLANG\tDRM")
	for _, s := range sorted {
		drm := "-"
		if s.Protection.IsEncrypted() {
			drm = color.YellowString("%s/%s", s.Protection.System, s.Protection.Scheme)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Kind, truncate(s.ID, 32), s.Bitrate/1000, s.Resolution, truncate(s.Codecs, 24), s.Language, drm)
	}
	w.Flush()
}
