package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxUnitSize bounds how much source a single unit may contain.
const maxUnitSize = 4 << 20

// Source fetches unit source code by slash-separated relative path.
type Source interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// DirSource reads units from a directory on disk.
type DirSource struct {
	Root string
}

// Fetch implements Source.
func (s DirSource) Fetch(ctx context.Context, unitPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := cleanUnitPath(unitPath)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(s.Root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", full, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", full)
	}
	if info.Size() > maxUnitSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", full, maxUnitSize)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", full, err)
	}
	return data, nil
}

// HTTPSource fetches units relative to a base URL.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// Fetch implements Source. Any non-2xx status is a failure.
func (s HTTPSource) Fetch(ctx context.Context, unitPath string) ([]byte, error) {
	rel, err := cleanUnitPath(unitPath)
	if err != nil {
		return nil, err
	}
	target, err := url.JoinPath(s.BaseURL, rel)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("GET %s: unexpected status %s", target, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUnitSize+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", target, err)
	}
	if len(data) > maxUnitSize {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", target, maxUnitSize)
	}
	return data, nil
}

var errInvalidUnitPath = errors.New("invalid unit path")

// cleanUnitPath keeps fetches inside the source root.
func cleanUnitPath(unitPath string) (string, error) {
	trimmed := strings.TrimSpace(unitPath)
	if trimmed == "" {
		return "", fmt.Errorf("unit path is empty")
	}
	slashed := strings.TrimPrefix(strings.ReplaceAll(trimmed, `\`, "/"), "/")
	if slashed == "" {
		return "", fmt.Errorf("%w: %s", errInvalidUnitPath, unitPath)
	}
	for _, segment := range strings.Split(slashed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %s", errInvalidUnitPath, unitPath)
		}
	}
	return path.Clean(slashed), nil
}
