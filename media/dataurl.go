// Package media holds the image and video transforms used by node executors:
// data URL handling, bounded resize/re-encode, cropping and frame extraction.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"
)

// Media errors
var (
	ErrNotDataURL        = errors.New("not a data URL")
	ErrUnsupportedScheme = errors.New("unsupported media reference")
	ErrBlockedAddress    = errors.New("media address is not publicly routable")
)

// DefaultFetchLimit caps the size of a fetched media reference.
const DefaultFetchLimit = 64 << 20

// ParseDataURL splits a base64 data URL into its MIME type and payload.
func ParseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrNotDataURL)
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if mime == "" {
		mime = "text/plain"
	}
	if !isBase64 {
		return mime, []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decoding data URL payload: %w", err)
	}
	return mime, data, nil
}

// EncodeDataURL builds a base64 data URL.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Fetcher loads the bytes behind a media reference: a data URL or an
// http(s) URL pointing at uploaded media.
type Fetcher struct {
	Client *http.Client
	Limit  int64

	// BlockPrivate refuses connections to loopback, private, link-local and
	// unspecified addresses. It is checked on every dial, so redirects and
	// DNS answers are covered. Only clients built by NewFetcher enforce it.
	BlockPrivate bool
}

// NewFetcher creates a Fetcher with a bounded HTTP client.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &Fetcher{Limit: DefaultFetchLimit}
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			if !f.BlockPrivate {
				return nil
			}
			return CheckPublicAddress(address)
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	f.Client = &http.Client{Timeout: timeout, Transport: transport}
	return f
}

// CheckPublicAddress rejects a dialed "ip:port" that is not publicly
// routable.
func CheckPublicAddress(address string) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	ip := ap.Addr().Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}

// Fetch returns the MIME type and bytes of ref.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (string, []byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return ParseDataURL(ref)
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return "", nil, fmt.Errorf("%w: %.32q", ErrUnsupportedScheme, ref)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", nil, fmt.Errorf("building media request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("fetching media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", nil, fmt.Errorf("reading media: %w", err)
	}
	if int64(len(data)) > limit {
		return "", nil, fmt.Errorf("media exceeds %d bytes", limit)
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return mime, data, nil
}
