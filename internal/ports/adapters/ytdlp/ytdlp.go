package ytdlp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/ports"
)

// pageHosts are sites whose URLs point at a player page, not a media file.
var pageHosts = []string{"youtube.com", "youtu.be", "kick.com", "kick.tv", "twitch.tv"}

// Adapter acquires media: local uploads are checked in place, page URLs go
// through yt-dlp and anything else is fetched over HTTP.
type Adapter struct {
	bin  string
	http *http.Client
}

var _ ports.MediaSource = (*Adapter)(nil)

func New(binPath string) *Adapter {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	return &Adapter{bin: binPath, http: &http.Client{Timeout: 2 * time.Hour}}
}

// WithHTTPClient replaces the client used for direct downloads.
func (a *Adapter) WithHTTPClient(c *http.Client) *Adapter {
	a.http = c
	return a
}

func (a *Adapter) Fetch(ctx context.Context, src ports.Source, destDir string) (string, error) {
	if !src.Kind.Remote() {
		return localFile(src.Path)
	}
	u, err := url.Parse(strings.TrimSpace(src.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", ports.ErrDownload, src.URL)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	if NeedsYtDlp(u) {
		return a.download(ctx, u.String(), src, destDir)
	}
	return a.get(ctx, u, src.Headers, destDir)
}

func localFile(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: upload path is empty", ports.ErrDownload)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ports.ErrDownload, abs)
	}
	return abs, nil
}

func NeedsYtDlp(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, h := range pageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (a *Adapter) download(ctx context.Context, rawURL string, src ports.Source, destDir string) (string, error) {
	args, err := downloadArgs(rawURL, src, destDir)
	if err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: yt-dlp failed: %w: %s", ports.ErrDownload, err, strings.TrimSpace(stderr.String()))
	}
	out := lastLine(stdout.String())
	if out == "" {
		return "", fmt.Errorf("%w: yt-dlp did not report an output file", ports.ErrDownload)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	return out, nil
}

func downloadArgs(rawURL string, src ports.Source, destDir string) ([]string, error) {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--restrict-filenames",
		"-f", "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/bv*+ba/b",
		"--merge-output-format", "mp4",
		"-o", filepath.Join(destDir, "source.%(ext)s"),
		"--print", "after_move:filepath",
	}
	if strings.TrimSpace(src.CookiesFile) != "" {
		if _, err := os.Stat(src.CookiesFile); err != nil {
			return nil, fmt.Errorf("%w: cookies file: %w", ports.ErrDownload, err)
		}
		args = append(args, "--cookies", src.CookiesFile)
	}
	for _, k := range sortedKeys(src.Headers) {
		args = append(args, "--add-header", k+":"+src.Headers[k])
	}
	return append(args, rawURL), nil
}

func (a *Adapter) get(ctx context.Context, u *url.URL, headers map[string]string, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: GET %s: status %d", ports.ErrDownload, u.Redacted(), resp.StatusCode)
	}

	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 5 {
		ext = ".mp4"
	}
	out := filepath.Join(destDir, "source"+ext)
	tmp, err := os.CreateTemp(destDir, "download-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: read body: %w", ports.ErrDownload, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrDownload, err)
	}
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
