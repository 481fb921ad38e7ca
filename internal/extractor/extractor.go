package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bdougie/formcheck/internal/models"
)

// ErrVideoNotFound is returned when the video file does not exist
var ErrVideoNotFound = errors.New("video not found")

// runFunc executes an external command and returns its combined output
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg extracts frames from video files with the ffmpeg binary. Every
// extraction writes into its own directory under WorkDir.
type FFmpeg struct {
	binary  string
	workDir string
	logger  *slog.Logger
	run     runFunc
}

// New creates an extractor. An empty binary defaults to "ffmpeg" on PATH and
// an empty workDir to the system temp directory.
func New(binary, workDir string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		binary:  binary,
		workDir: workDir,
		logger:  logger.With("component", "extractor"),
		run:     runCommand,
	}
}

// qscale maps a 1-100 JPEG quality onto ffmpeg's 2-31 scale, where lower
// is better.
func qscale(quality int) int {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return 2 + (100-quality)*29/100
}

// Extract samples videoPath at opts.FPS and returns at most opts.MaxFrames
// frames in order.
func (f *FFmpeg) Extract(ctx context.Context, videoPath string, opts models.ExtractOptions) ([]models.FrameRef, error) {
	if _, err := os.Stat(videoPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: '%s'", ErrVideoNotFound, videoPath)
		}
		return nil, fmt.Errorf("stat video '%s': %w", videoPath, err)
	}
	if opts.FPS <= 0 || opts.MaxFrames <= 0 {
		return nil, fmt.Errorf("invalid extract options: fps %.2f, max frames %d", opts.FPS, opts.MaxFrames)
	}

	if err := os.MkdirAll(f.workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory '%s': %w", f.workDir, err)
	}
	videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	frameDir, err := os.MkdirTemp(f.workDir, videoName+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	f.logger.Debug("extracting frames",
		"video", videoPath,
		"fps", opts.FPS,
		"max_frames", opts.MaxFrames,
		"quality", opts.Quality,
	)

	output, err := f.run(ctx, f.binary,
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vf", "fps="+strconv.FormatFloat(opts.FPS, 'f', -1, 64),
		"-q:v", strconv.Itoa(qscale(opts.Quality)),
		"-frames:v", strconv.Itoa(opts.MaxFrames),
		filepath.Join(frameDir, "frame_%04d.jpg"),
	)
	if err != nil {
		os.RemoveAll(frameDir)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ffmpeg failed: %v: %s", err, lastLine(output))
	}

	frames, err := collectFrames(frameDir, opts)
	if err != nil {
		os.RemoveAll(frameDir)
		return nil, err
	}
	if len(frames) == 0 {
		os.RemoveAll(frameDir)
		return nil, fmt.Errorf("ffmpeg produced no frames from '%s'", videoPath)
	}

	f.logger.Info("frames extracted", "video", videoName, "frames", len(frames), "dir", frameDir)
	return frames, nil
}

func collectFrames(dir string, opts models.ExtractOptions) ([]models.FrameRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory '%s': %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > opts.MaxFrames {
		names = names[:opts.MaxFrames]
	}

	frames := make([]models.FrameRef, len(names))
	for i, name := range names {
		frames[i] = models.FrameRef{
			Path:        filepath.Join(dir, name),
			Number:      i + 1,
			TimestampMs: int64(float64(i) * 1000 / opts.FPS),
		}
	}
	return frames, nil
}

func lastLine(output []byte) string {
	s := strings.TrimSpace(string(output))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// ContentHash returns the hex sha256 of the video file, used as the exact
// input cache key.
func (f *FFmpeg) ContentHash(videoPath string) (string, error) {
	file, err := os.Open(videoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: '%s'", ErrVideoNotFound, videoPath)
		}
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash '%s': %w", videoPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Cleanup removes the directories holding frames. Only directories inside
// the work directory are removed.
func (f *FFmpeg) Cleanup(frames []models.FrameRef) error {
	root, err := filepath.Abs(f.workDir)
	if err != nil {
		return err
	}

	dirs := make(map[string]struct{})
	for _, fr := range frames {
		dir, err := filepath.Abs(filepath.Dir(fr.Path))
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(root, dir); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		dirs[dir] = struct{}{}
	}

	var errs []error
	for dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
