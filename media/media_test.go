package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// gradientPNG returns a PNG data URL whose pixel (x, y) has R=x, G=y.
func gradientPNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return EncodeDataURL("image/png", buf.Bytes())
}

func decodeDataURL(t *testing.T, s string) (string, image.Image) {
	t.Helper()
	mime, data, err := ParseDataURL(s)
	if err != nil {
		t.Fatalf("ParseDataURL: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("image.Decode: %v", err)
	}
	return mime, img
}

func TestParseDataURL(t *testing.T) {
	mime, data, err := ParseDataURL(EncodeDataURL("image/png", []byte("abc")))
	if err != nil {
		t.Fatalf("ParseDataURL: %v", err)
	}
	if mime != "image/png" || string(data) != "abc" {
		t.Errorf("got %q %q", mime, data)
	}

	if _, _, err := ParseDataURL("https://example.com/a.png"); !errors.Is(err, ErrNotDataURL) {
		t.Errorf("err = %v, want ErrNotDataURL", err)
	}
	if _, _, err := ParseDataURL("data:image/png;base64"); !errors.Is(err, ErrNotDataURL) {
		t.Errorf("err = %v, want ErrNotDataURL", err)
	}
	if _, _, err := ParseDataURL("data:image/png;base64,@@@"); err == nil {
		t.Error("expected base64 error")
	}
}

func TestFetcher_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4; codecs=avc1")
		_, _ = w.Write([]byte("moov"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	mime, data, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if mime != "video/mp4" || string(data) != "moov" {
		t.Errorf("got %q %q", mime, data)
	}

	if _, _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected status error")
	}
	if _, _, err := f.Fetch(context.Background(), "ftp://x"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}

	f.Limit = 2
	if _, _, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4"); err == nil {
		t.Error("expected size limit error")
	}
}

func TestFetcher_BlockPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("internal"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	f.BlockPrivate = true
	if _, _, err := f.Fetch(context.Background(), srv.URL); !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("Fetch(loopback) err = %v, want ErrBlockedAddress", err)
	}
	if _, _, err := f.Fetch(context.Background(), EncodeDataURL("image/png", []byte("x"))); err != nil {
		t.Errorf("Fetch(data URL) err = %v, want nil", err)
	}
}

func TestCheckPublicAddress(t *testing.T) {
	tests := []struct {
		addr    string
		blocked bool
	}{
		{"127.0.0.1:80", true},
		{"10.1.2.3:443", true},
		{"192.168.0.10:8080", true},
		{"169.254.169.254:80", true},
		{"0.0.0.0:80", true},
		{"[::1]:80", true},
		{"[fe80::1]:80", true},
		{"[::ffff:127.0.0.1]:80", true},
		{"not-an-address", true},
		{"93.184.216.34:443", false},
		{"[2606:4700::6810:84e5]:443", false},
	}
	for _, tt := range tests {
		err := CheckPublicAddress(tt.addr)
		if got := errors.Is(err, ErrBlockedAddress); got != tt.blocked {
			t.Errorf("CheckPublicAddress(%q) = %v, want blocked %v", tt.addr, err, tt.blocked)
		}
	}
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{800, 600, 1024, 800, 600},
		{1024, 1024, 1024, 1024, 1024},
		{2048, 1024, 1024, 1024, 512},
		{1000, 3000, 1024, 341, 1024},
		{5000, 1, 1024, 1024, 1},
	}
	for _, tt := range tests {
		w, h := FitWithin(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("FitWithin(%d, %d, %d) = %d, %d, want %d, %d", tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestCompressor_Compress(t *testing.T) {
	c := NewCompressor(nil)
	c.MaxDimension = 64

	out, err := c.Compress(context.Background(), gradientPNG(t, 128, 32))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	mime, img := decodeDataURL(t, out)
	if mime != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", mime)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 16 {
		t.Errorf("size = %dx%d, want 64x16", b.Dx(), b.Dy())
	}

	if _, err := c.Compress(context.Background(), EncodeDataURL("image/png", []byte("nope"))); err == nil {
		t.Error("expected decode error")
	}

	c.MaxPixels = 128*32 - 1
	if _, err := c.Compress(context.Background(), gradientPNG(t, 128, 32)); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("Compress over MaxPixels err = %v, want ErrImageTooLarge", err)
	}
}

func TestCropSpec_Rect(t *testing.T) {
	tests := []struct {
		name string
		spec CropSpec
		want image.Rectangle
	}{
		{"full", DefaultCropSpec, image.Rect(0, 0, 200, 100)},
		{"quarter offset", CropSpec{X: 10, Y: 10, Width: 50, Height: 50}, image.Rect(20, 10, 120, 60)},
		{"zero size keeps source", CropSpec{X: 0, Y: 0}, image.Rect(0, 0, 200, 100)},
		{"clipped", CropSpec{X: 80, Y: 80, Width: 50, Height: 50}, image.Rect(160, 80, 200, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.Rect(200, 100); got != tt.want {
				t.Errorf("Rect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCrop(t *testing.T) {
	out, err := Crop(context.Background(), nil, gradientPNG(t, 200, 100), CropSpec{X: 10, Y: 10, Width: 50, Height: 50})
	if err != nil {
		t.Fatalf("Crop: %v", err)
	}
	mime, img := decodeDataURL(t, out)
	if mime != "image/png" {
		t.Errorf("mime = %q, want image/png", mime)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("size = %dx%d, want 100x50", b.Dx(), b.Dy())
	}
	r, g, _, _ := img.At(0, 0).RGBA()
	if r>>8 != 20 || g>>8 != 10 {
		t.Errorf("origin pixel = (%d, %d), want source (20, 10)", r>>8, g>>8)
	}

	if _, err := Crop(context.Background(), nil, gradientPNG(t, 10, 10), CropSpec{X: 100, Y: 100, Width: 10, Height: 10}); err == nil {
		t.Error("expected empty rectangle error")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in       string
		duration float64
		want     float64
	}{
		{"", 10, 0},
		{"0", 10, 0},
		{"5", 10, 5},
		{"5s", 10, 5},
		{"2.5s", 10, 2.5},
		{"50%", 10, 5},
		{"100%", 8, 8},
		{"00:00:05", 10, 5},
		{"00:01:30", 600, 90},
		{"01:00", 7200, 3600},
		{"30", 10, 10},
		{"-4", 10, 0},
	}
	for _, tt := range tests {
		ts, err := ParseTimestamp(tt.in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", tt.in, err)
			continue
		}
		if got := ts.Seconds(tt.duration); got != tt.want {
			t.Errorf("ParseTimestamp(%q).Seconds(%v) = %v, want %v", tt.in, tt.duration, got, tt.want)
		}
	}

	for _, bad := range []string{"abc", "1:2:3:4", "x%", "a:b"} {
		if _, err := ParseTimestamp(bad); !errors.Is(err, ErrInvalidTimestamp) {
			t.Errorf("ParseTimestamp(%q) err = %v, want ErrInvalidTimestamp", bad, err)
		}
	}
}

// fakeTool writes a shell script that records its arguments and fails.
func fakeTool(t *testing.T) (path, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	path = filepath.Join(dir, "ffprobe")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\nexit 1\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path, argsFile
}

func TestFFmpegExtractor_LocalInputOnly(t *testing.T) {
	tool, argsFile := fakeTool(t)
	x := NewFFmpegExtractor(NewFetcher(0), "", tool)

	if _, err := x.ExtractFrame(context.Background(), EncodeDataURL("video/mp4", []byte("moov")), Timestamp{}); err == nil {
		t.Fatal("expected ffprobe failure")
	}
	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("ffprobe was not invoked: %v", err)
	}
	args := string(raw)
	if !strings.Contains(args, "-protocol_whitelist file") {
		t.Errorf("ffprobe args = %q, want a file-only protocol whitelist", args)
	}
	if strings.Contains(args, "http") || !strings.Contains(args, "petalcanvas-video-") {
		t.Errorf("ffprobe args = %q, want a local temp file input", args)
	}
}

func TestFFmpegExtractor_RemoteFetchedThroughFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moov"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	f.BlockPrivate = true
	x := NewFFmpegExtractor(f, "", "")
	if _, err := x.ExtractFrame(context.Background(), srv.URL+"/clip.mp4", Timestamp{}); !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("err = %v, want ErrBlockedAddress", err)
	}
}

func TestFFmpegExtractor_RejectsUnknownScheme(t *testing.T) {
	x := NewFFmpegExtractor(nil, "", "")
	if x.FFmpegPath != "ffmpeg" || x.FFprobePath != "ffprobe" {
		t.Errorf("defaults = %q %q", x.FFmpegPath, x.FFprobePath)
	}
	_, err := x.ExtractFrame(context.Background(), "file:///etc/passwd", Timestamp{})
	if !errors.Is(err, ErrUnsupportedScheme) || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}
}
