package composer

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/gmb-autopost/internal/version"
	_ "golang.org/x/image/webp"
)

// Thumbnail limits for local post photos.
const (
	MinImageWidth  = 250
	MinImageHeight = 250
	MinImageBytes  = 10240
	MaxImageBytes  = 5242880

	// assumedImageBytes stands in when the server does not report a size.
	assumedImageBytes = MinImageBytes + 1
)

// ImageInfo describes a remote image.
type ImageInfo struct {
	Width  int
	Height int
	Bytes  int64
}

// Acceptable reports whether the image meets the local post photo limits.
func (i ImageInfo) Acceptable() bool {
	return i.Width > MinImageWidth && i.Height > MinImageHeight &&
		i.Bytes > MinImageBytes && i.Bytes < MaxImageBytes
}

// ImageProber measures a remote image.
type ImageProber interface {
	Probe(ctx context.Context, url string) (ImageInfo, error)
}

// HTTPProber reads the size from a HEAD request and the dimensions from the
// image header of a GET. When neither response reports a length the size is
// assumed to be acceptable.
type HTTPProber struct {
	httpClient *http.Client
}

func NewHTTPProber(timeout time.Duration, httpClient *http.Client) *HTTPProber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPProber{httpClient: httpClient}
}

// Probe fails only when the image cannot be fetched or decoded.
func (p *HTTPProber) Probe(ctx context.Context, url string) (ImageInfo, error) {
	size := p.contentLength(ctx, url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ImageInfo{}, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ImageInfo{}, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	if size < 0 {
		size = resp.ContentLength
	}
	if size < 0 {
		size = assumedImageBytes
	}

	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, MaxImageBytes))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("decode image header: %w", err)
	}
	return ImageInfo{Width: cfg.Width, Height: cfg.Height, Bytes: size}, nil
}

// contentLength returns the size reported by a HEAD request, or -1 when the
// request fails or the server does not say. Many CDNs and signed storage
// URLs refuse HEAD.
func (p *HTTPProber) contentLength(ctx context.Context, url string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return -1
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return -1
	}
	return resp.ContentLength
}
