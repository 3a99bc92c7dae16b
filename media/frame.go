package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrInvalidTimestamp is returned for frame timestamps that cannot be parsed.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Timestamp is a parsed frame position: either absolute seconds or a percent
// of the video's duration.
type Timestamp struct {
	Value   float64
	Percent bool
}

// ParseTimestamp accepts "10%", "hh:mm:ss" (missing trailing parts count as
// zero), "5s" and "5". An empty string means the first frame.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}

	if strings.Contains(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
		}
		return Timestamp{Value: v, Percent: true}, nil
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
		}
		var total float64
		weights := []float64{3600, 60, 1}
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
			}
			total += v * weights[i]
		}
		return Timestamp{Value: total}, nil
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(strings.Replace(s, "s", "", 1)), 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return Timestamp{Value: v}, nil
}

// Seconds resolves the timestamp against a video of the given duration. The
// result is clamped to [0, duration].
func (t Timestamp) Seconds(duration float64) float64 {
	secs := t.Value
	if t.Percent {
		secs = t.Value / 100 * duration
	}
	if math.IsNaN(secs) || secs < 0 {
		return 0
	}
	if duration > 0 && secs > duration {
		return duration
	}
	return secs
}

// inputArgs confine ffmpeg and ffprobe to the local input file and to
// container formats that cannot reference other files.
var inputArgs = []string{
	"-protocol_whitelist", "file",
	"-format_whitelist", "mov,mp4,m4a,3gp,3g2,mj2,matroska,webm,avi,flv,mpegts,mpeg,ogg,gif",
}

// FrameExtractor grabs a single frame from a video and returns it as a PNG
// data URL.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoRef string, at Timestamp) (string, error)
}

// FFmpegExtractor extracts frames by shelling out to ffprobe and ffmpeg.
type FFmpegExtractor struct {
	Fetcher     *Fetcher
	FFmpegPath  string
	FFprobePath string
}

var _ FrameExtractor = (*FFmpegExtractor)(nil)

// NewFFmpegExtractor creates an extractor using the given binaries. Empty
// paths fall back to "ffmpeg" and "ffprobe" on PATH.
func NewFFmpegExtractor(f *Fetcher, ffmpegPath, ffprobePath string) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegExtractor{Fetcher: f, FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// ExtractFrame implements FrameExtractor.
func (x *FFmpegExtractor) ExtractFrame(ctx context.Context, videoRef string, at Timestamp) (string, error) {
	input, cleanup, err := x.materialize(ctx, videoRef)
	if err != nil {
		return "", err
	}
	defer cleanup()

	duration, err := x.probeDuration(ctx, input)
	if err != nil {
		return "", err
	}
	secs := at.Seconds(duration)

	var stdout, stderr bytes.Buffer
	args := append([]string{"-v", "error", "-ss", strconv.FormatFloat(secs, 'f', 3, 64)}, inputArgs...)
	args = append(args, "-i", input, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "png", "-")
	cmd := exec.CommandContext(ctx, x.FFmpegPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return "", fmt.Errorf("ffmpeg produced no frame at %.3fs", secs)
	}
	return EncodeDataURL("image/png", stdout.Bytes()), nil
}

func (x *FFmpegExtractor) probeDuration(ctx context.Context, input string) (float64, error) {
	var stdout, stderr bytes.Buffer
	args := append([]string{"-v", "error"}, inputArgs...)
	args = append(args,
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	cmd := exec.CommandContext(ctx, x.FFprobePath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: unreadable duration %q", strings.TrimSpace(stdout.String()))
	}
	return d, nil
}

// materialize downloads ref into a temporary file so ffmpeg never opens a
// remote or user-chosen location itself.
func (x *FFmpegExtractor) materialize(ctx context.Context, ref string) (string, func(), error) {
	f := x.Fetcher
	if f == nil {
		f = NewFetcher(0)
	}
	_, data, err := f.Fetch(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	tmp, err := os.CreateTemp("", "petalcanvas-video-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp video: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing temp video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("writing temp video: %w", err)
	}
	return tmp.Name(), cleanup, nil
}
