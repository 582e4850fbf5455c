package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SceneFrame is one keyframe emitted by the scene detector, in emission
// order. Timestamp is the pts_time parsed from the detector log;
// HasTimestamp is false when the log could not be parsed, in which case
// callers fall back to ordinal seconds.
type SceneFrame struct {
	Path         string
	Timestamp    float64
	HasTimestamp bool
}

var ptsTimeRe = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

// ExtractSceneFrames runs ffmpeg scene detection on a video file: a
// frame is emitted whenever the scene-change score exceeds threshold.
// The showinfo filter writes one log line per emitted frame, which is
// where the real timestamps come from.
func ExtractSceneFrames(ctx context.Context, videoPath, outDir string, threshold float64) ([]SceneFrame, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	logPath := filepath.Join(outDir, "scene_log.txt")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating scene log: %w", err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("select=gt(scene\\,%g),showinfo", threshold),
		"-vsync", "vfr",
		filepath.Join(outDir, "frame_%04d.jpg"),
	)
	cmd.Stderr = logFile
	runErr := cmd.Run()
	logFile.Close()
	if runErr != nil {
		return nil, fmt.Errorf("ffmpeg scene detection: %w", runErr)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("reading output dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jpg") {
			continue
		}
		paths = append(paths, filepath.Join(outDir, e.Name()))
	}
	sort.Strings(paths)

	timestamps := parseSceneLog(logPath)

	frames := make([]SceneFrame, len(paths))
	for i, p := range paths {
		frames[i] = SceneFrame{Path: p}
		if i < len(timestamps) {
			frames[i].Timestamp = timestamps[i]
			frames[i].HasTimestamp = true
		}
	}
	return frames, nil
}

// parseSceneLog pulls the pts_time of every showinfo line, one per
// emitted frame, in emission order. Returns nil when the log is
// missing or yields nothing.
func parseSceneLog(logPath string) []float64 {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil
	}

	var out []float64
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "Parsed_showinfo") {
			continue
		}
		m := ptsTimeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out
}
