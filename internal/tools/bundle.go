package tools

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	ffmpegReleaseVersion = "6.1"
	ffmpegReleaseBaseURL = "https://github.com/ffbinaries/ffbinaries-prebuilt/releases/download"
)

var (
	bundleOnce  sync.Once
	bundleErr   error
	bundlePaths Paths
)

// downloads the static ffmpeg/ffprobe pair once per process into the user
// cache dir; later processes reuse the extracted binaries
func ensureBundle() (Paths, error) {
	bundleOnce.Do(func() {
		bundlePaths, bundleErr = installBundle()
	})
	return bundlePaths, bundleErr
}

func installBundle() (Paths, error) {
	assetName, err := assetForPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return Paths{}, err
	}

	installDir := bundleDir()
	paths := Paths{
		FFmpeg:  filepath.Join(installDir, "ffmpeg"+executableSuffix()),
		FFprobe: filepath.Join(installDir, "ffprobe"+executableSuffix()),
	}
	if fileExists(paths.FFmpeg) && fileExists(paths.FFprobe) {
		return paths, nil
	}

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create ffmpeg cache dir: %w", err)
	}

	url := fmt.Sprintf("%s/v%s/%s", ffmpegReleaseBaseURL, ffmpegReleaseVersion, assetName)
	if err := downloadAndExtract(url, installDir); err != nil {
		return Paths{}, err
	}

	if !fileExists(paths.FFmpeg) || !fileExists(paths.FFprobe) {
		return Paths{}, errors.New("ffmpeg binaries not found after extraction")
	}
	if runtime.GOOS != "windows" {
		for _, p := range []string{paths.FFmpeg, paths.FFprobe} {
			if err := os.Chmod(p, 0o755); err != nil {
				return Paths{}, fmt.Errorf("chmod %s: %w", filepath.Base(p), err)
			}
		}
	}
	return paths, nil
}

func bundleDir() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil || cacheDir == "" {
		cacheDir = os.TempDir()
	}
	return filepath.Join(cacheDir, "klip", "ffmpeg", ffmpegReleaseVersion, runtime.GOOS, runtime.GOARCH)
}

func assetForPlatform(goos, goarch string) (string, error) {
	switch {
	case goos == "linux" && goarch == "amd64":
		return "ffmpeg-" + ffmpegReleaseVersion + "-linux-64.zip", nil
	case goos == "linux" && goarch == "arm64":
		return "ffmpeg-" + ffmpegReleaseVersion + "-linux-arm-64.zip", nil
	case goos == "darwin" && goarch == "amd64":
		return "ffmpeg-" + ffmpegReleaseVersion + "-macos-64.zip", nil
	case goos == "windows" && goarch == "amd64":
		return "ffmpeg-" + ffmpegReleaseVersion + "-win-64.zip", nil
	default:
		return "", fmt.Errorf("unsupported platform for bundled ffmpeg: %s/%s", goos, goarch)
	}
}

func downloadAndExtract(url, installDir string) error {
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("download ffmpeg bundle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download ffmpeg bundle: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "klip-ffmpeg-*.zip")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	archivePath := tmp.Name()
	defer func() { _ = os.Remove(archivePath) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	return extractArchive(archivePath, installDir)
}

// copies the ffmpeg and ffprobe entries of the zip into installDir
func extractArchive(archivePath, installDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open ffmpeg archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	found := map[string]bool{}
	for _, file := range zr.File {
		name := strings.TrimSuffix(strings.ToLower(filepath.Base(file.Name)), ".exe")
		if name != "ffmpeg" && name != "ffprobe" {
			continue
		}
		dest := filepath.Join(installDir, name+executableSuffix())
		if err := extractZipFile(file, dest); err != nil {
			return err
		}
		found[name] = true
	}

	if !found["ffmpeg"] || !found["ffprobe"] {
		return errors.New("ffmpeg archive missing required binaries")
	}
	return nil
}

func extractZipFile(file *zip.File, dest string) error {
	reader, err := file.Open()
	if err != nil {
		return fmt.Errorf("open ffmpeg archive entry: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dest), err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}

func executableSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}
