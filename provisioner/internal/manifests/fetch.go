// Package manifests fetches the course manifests, rewrites the feature overlay for a branch,
// renders it and applies the result to the cluster.
package manifests

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// maxArchiveEntry bounds a single extracted file.
const maxArchiveEntry = 64 << 20

// Fetcher downloads a GitHub repository archive and locates the manifests inside it.
type Fetcher struct {
	client  *resty.Client
	repoURL string
	ref     string
	subdir  string
	logger  *slog.Logger
}

// NewFetcher returns a Fetcher for repoURL at ref. subdir is the slash separated manifests
// path inside the repository.
func NewFetcher(repoURL, ref, subdir string, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= http.StatusInternalServerError
		})
	return &Fetcher{
		client:  client,
		repoURL: strings.TrimSuffix(repoURL, "/"),
		ref:     ref,
		subdir:  strings.Trim(subdir, "/"),
		logger:  logger,
	}
}

// ArchiveURL is the zip download location.
func (f *Fetcher) ArchiveURL() string {
	return f.repoURL + "/archive/" + f.ref + ".zip"
}

// Fetch downloads and extracts the archive into dest and returns the manifests directory.
func (f *Fetcher) Fetch(ctx context.Context, dest string) (string, error) {
	url := f.ArchiveURL()
	f.logger.Info("downloading repository archive", "url", url)

	zipPath := filepath.Join(dest, "repo.zip")
	resp, err := f.client.R().SetContext(ctx).SetOutput(zipPath).Get(url)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode())
	}
	defer os.Remove(zipPath)

	extractDir := filepath.Join(dest, "repo")
	if err := extract(zipPath, extractDir); err != nil {
		return "", err
	}

	repoDir, err := findRepoDir(extractDir, path.Base(f.repoURL)+"-")
	if err != nil {
		return "", err
	}
	manifestsDir := filepath.Join(repoDir, filepath.FromSlash(f.subdir))
	if info, err := os.Stat(manifestsDir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("manifests directory not found at %s", manifestsDir)
	}
	f.logger.Info("extracted manifests", "manifests_path", manifestsDir, "zip_size_bytes", resp.Size())
	return manifestsDir, nil
}

func extract(zipPath, dest string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	for _, file := range reader.File {
		target := filepath.Join(dest, filepath.FromSlash(file.Name))
		rel, err := filepath.Rel(dest, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes extraction dir", file.Name)
		}
		mode := file.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", rel, err)
			}
		case mode.IsRegular():
			if err := extractFile(file, target); err != nil {
				return err
			}
		default:
			// symlinks and devices are not needed to render manifests
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(dst, io.LimitReader(src, maxArchiveEntry+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	if n > maxArchiveEntry {
		return fmt.Errorf("archive entry %s exceeds %d bytes", file.Name, maxArchiveEntry)
	}
	return nil
}

func findRepoDir(root, prefix string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read extracted archive: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(root, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("could not find extracted repository directory with prefix %q in %s", prefix, root)
}
