package tor

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Tor expert bundle defaults.
const (
	// DefaultTorVersion is the Tor Browser release whose expert bundle is used.
	DefaultTorVersion = "14.5.7"

	// DefaultBundleBaseURL hosts every released expert bundle.
	DefaultBundleBaseURL = "https://archive.torproject.org/tor-package-archive/torbrowser"

	// binariesDirName is the cache directory inside the application data dir.
	binariesDirName = "tor_binaries"
)

// Binary locates an extracted Tor expert bundle.
type Binary struct {
	// Dir is the bundle root.
	Dir string
	// Path is the tor executable.
	Path string
	// PluggableTransportsDir holds lyrebird and snowflake-client.
	PluggableTransportsDir string
	// GeoIPFile and GeoIPv6File are the GeoIP databases shipped with Tor.
	GeoIPFile   string
	GeoIPv6File string
}

// newBinary derives file locations from the bundle root.
func newBinary(dir, goos string) Binary {
	exe := "tor"
	if goos == "windows" {
		exe = "tor.exe"
	}
	return Binary{
		Dir:                    dir,
		Path:                   filepath.Join(dir, "tor", exe),
		PluggableTransportsDir: filepath.Join(dir, "tor", "pluggable_transports"),
		GeoIPFile:              filepath.Join(dir, "data", "geoip"),
		GeoIPv6File:            filepath.Join(dir, "data", "geoip6"),
	}
}

// Platform returns the expert bundle platform name for goos/goarch.
func Platform(goos, goarch string) (string, error) {
	var osName, arch string
	switch goos {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "macos"
	case "windows":
		osName = "windows"
	case "android":
		osName = "android"
	default:
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "386":
		arch = "i686"
	case "arm64":
		arch = "aarch64"
		if osName == "linux" || osName == "windows" {
			return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
		}
	case "arm":
		arch = "armv7"
		if osName != "android" {
			return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
		}
	default:
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return osName + "-" + arch, nil
}

// Installer provisions the Tor binary under
// <appData>/tor_binaries/<platform>-<version>/.
type Installer struct {
	appDataDir string
	version    string
	baseURL    string
	goos       string
	goarch     string
	client     *http.Client
	progress   func(total int64) io.Writer
	logger     *slog.Logger

	// download fetches url into dst. Replaced in tests.
	download func(ctx context.Context, url, dst string) error
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithTorVersion selects the expert bundle version.
func WithTorVersion(version string) InstallerOption {
	return func(i *Installer) {
		if version != "" {
			i.version = version
		}
	}
}

// WithBundleBaseURL overrides where bundles are downloaded from.
func WithBundleBaseURL(url string) InstallerOption {
	return func(i *Installer) {
		if url != "" {
			i.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) InstallerOption {
	return func(i *Installer) {
		if c != nil {
			i.client = c
		}
	}
}

// WithProgress installs a download progress sink. fn receives the archive
// size (-1 when unknown) and returns a writer fed with every downloaded byte.
func WithProgress(fn func(total int64) io.Writer) InstallerOption {
	return func(i *Installer) {
		i.progress = fn
	}
}

// WithInstallerLogger sets the logger.
func WithInstallerLogger(logger *slog.Logger) InstallerOption {
	return func(i *Installer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// withTarget overrides the detected OS and architecture.
func withTarget(goos, goarch string) InstallerOption {
	return func(i *Installer) {
		i.goos, i.goarch = goos, goarch
	}
}

// NewInstaller creates an installer rooted at appDataDir.
func NewInstaller(appDataDir string, opts ...InstallerOption) *Installer {
	i := &Installer{
		appDataDir: appDataDir,
		version:    DefaultTorVersion,
		baseURL:    DefaultBundleBaseURL,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
		client:     http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.download = i.httpDownload
	return i
}

// Dir returns the extraction directory for the current platform and version.
func (i *Installer) Dir() (string, error) {
	platform, err := Platform(i.goos, i.goarch)
	if err != nil {
		return "", err
	}
	return filepath.Join(i.appDataDir, binariesDirName, platform+"-"+i.version), nil
}

// URL returns the expert bundle download location.
func (i *Installer) URL() (string, error) {
	platform, err := Platform(i.goos, i.goarch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/tor-expert-bundle-%s-%s.tar.gz", i.baseURL, i.version, platform, i.version), nil
}

// Installed reports whether the tor executable is already extracted.
func (i *Installer) Installed() (Binary, bool) {
	dir, err := i.Dir()
	if err != nil {
		return Binary{}, false
	}
	bin := newBinary(dir, i.goos)
	info, err := os.Stat(bin.Path)
	return bin, err == nil && info.Mode().IsRegular()
}

// Ensure returns the installed binary, downloading and extracting the
// bundle first if needed. A corrupt archive is deleted and fetched once
// more; a second failure is returned as *ProvisionError. The archive is
// removed afterwards in every case.
func (i *Installer) Ensure(ctx context.Context) (Binary, error) {
	if bin, ok := i.Installed(); ok {
		i.logger.Debug("using cached tor binary", "path", bin.Path)
		return bin, nil
	}

	dir, err := i.Dir()
	if err != nil {
		return Binary{}, err
	}
	url, err := i.URL()
	if err != nil {
		return Binary{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return Binary{}, newSetupError(KindIOFailure, "create tor binaries directory", err)
	}

	archive := dir + ".tar.gz"
	defer os.Remove(archive) //nolint:errcheck // the archive is disposable

	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		i.logger.Info("downloading tor", "url", url, "attempt", attempt)
		if err := i.download(ctx, url, archive); err != nil {
			// A failed download is not corruption; do not retry it here.
			return Binary{}, &ProvisionError{URL: url, Err: err}
		}

		lastErr = extractTarGz(archive, dir)
		if lastErr == nil {
			bin := newBinary(dir, i.goos)
			if _, err := os.Stat(bin.Path); err != nil {
				lastErr = fmt.Errorf("bundle does not contain %s: %w", bin.Path, err)
			} else {
				i.logger.Info("tor installed", "path", bin.Path)
				return bin, nil
			}
		}

		i.logger.Warn("tor archive is corrupt, pruning", "archive", archive, "error", lastErr)
		_ = os.Remove(archive) //nolint:errcheck // best effort prune
		_ = os.RemoveAll(dir)  //nolint:errcheck // best effort prune
		if err := ctx.Err(); err != nil {
			return Binary{}, &ProvisionError{URL: url, Err: err}
		}
	}
	return Binary{}, &ProvisionError{URL: url, Err: lastErr}
}

func (i *Installer) httpDownload(ctx context.Context, url, dst string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is inside the app data dir
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if i.progress != nil {
		if pw := i.progress(resp.ContentLength); pw != nil {
			w = io.MultiWriter(f, pw)
		}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	return nil
}

// extractTarGz unpacks archive into dir. Entries are first written to a
// sibling staging directory which is renamed into place on success.
func extractTarGz(archive, dir string) (err error) {
	f, err := os.Open(archive) //nolint:gosec // path is inside the app data dir
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("invalid gzip stream: %w", err)
	}
	defer gz.Close()

	staging := dir + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging) //nolint:errcheck // best effort cleanup
		}
	}()
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid tar stream: %w", err)
		}
		if err := extractEntry(tr, hdr, staging); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(staging, dir)
}

func extractEntry(r io.Reader, hdr *tar.Header, root string) error {
	target, err := safeJoin(root, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode().Perm() | 0o600
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) //nolint:gosec // target is checked by safeJoin
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil { //nolint:gosec // bundle size is bounded by the trusted archive
			_ = out.Close()
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		return out.Close()
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("refusing absolute symlink %s -> %s", hdr.Name, hdr.Linkname)
		}
		if _, err := safeJoin(root, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	default:
		return nil
	}
}

// safeJoin joins name onto root and rejects entries escaping root.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name) //nolint:gosec // checked below
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}
