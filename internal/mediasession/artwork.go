package mediasession

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// ArtworkExpiry is how long cached artwork stays valid (7 days).
	ArtworkExpiry = 7 * 24 * time.Hour
	// ArtworkSubdir is the subdirectory for cached artwork files.
	ArtworkSubdir = "artwork"
)

// ArtworkCache stores track artwork on disk so the media surface can
// reference it by file URL instead of refetching on every push.
type ArtworkCache struct {
	baseDir string
	expiry  time.Duration
	client  *resty.Client
}

// NewArtworkCache creates a cache rooted at baseDir with the default
// expiry.
func NewArtworkCache(baseDir string, client *resty.Client) *ArtworkCache {
	return &ArtworkCache{
		baseDir: baseDir,
		expiry:  ArtworkExpiry,
		client:  client,
	}
}

func hashURL(url string) string {
	hash := md5.Sum([]byte(url))
	return hex.EncodeToString(hash[:])
}

func (c *ArtworkCache) pathFor(url string) string {
	return filepath.Join(c.baseDir, ArtworkSubdir, hashURL(url))
}

// Resolve returns a local file:// reference for the artwork at url,
// fetching and caching it on a miss. An empty string means the surface
// should render without artwork.
func (c *ArtworkCache) Resolve(ctx context.Context, url string) string {
	if url == "" {
		return ""
	}

	path := c.pathFor(url)
	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) <= c.expiry {
			return "file://" + path
		}
		if err := os.Remove(path); err != nil {
			log.Debug().Err(err).Str("file", path).Msg("Failed to remove expired artwork")
		}
	}

	if err := c.fetch(ctx, url, path); err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Artwork fetch failed")
		return ""
	}
	return "file://" + path
}

func (c *ArtworkCache) fetch(ctx context.Context, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artwork directory: %w", err)
	}

	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch artwork: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("artwork fetch returned status %d", resp.StatusCode())
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, resp.Body(), 0644); err != nil {
		return fmt.Errorf("failed to write artwork file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move artwork file: %w", err)
	}
	return nil
}

// CleanExpired removes artwork files older than the expiry duration.
func (c *ArtworkCache) CleanExpired() error {
	dir := filepath.Join(c.baseDir, ArtworkSubdir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read artwork directory: %w", err)
	}

	now := time.Now()
	var removed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > c.expiry {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Artwork cache cleanup completed")
	}
	return nil
}
