package catalog

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ImportResult summarizes one import run
type ImportResult struct {
	Imported int
	Skipped  int
	Duration time.Duration
}

// Importer walks the songs directory and records every playable file in the catalog
type Importer struct {
	store *Store
	cfg   Config
}

// NewImporter creates an importer writing to store
func NewImporter(store *Store, cfg Config) *Importer {
	return &Importer{store: store, cfg: cfg}
}

// Import scans the songs directory. Files that cannot be decoded are skipped.
func (im *Importer) Import(ctx context.Context) (ImportResult, error) {
	start := time.Now()
	result := ImportResult{}
	dirs := metadataCache{}

	err := filepath.WalkDir(im.cfg.SongsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(im.cfg.SongsDir, path)
		if err != nil {
			result.Skipped++
			return nil
		}

		duration, err := FileDuration(path)
		if err != nil {
			log.Warn().Str("component", "catalog").Str("file", rel).Err(err).Msg("Skipping unreadable file")
			result.Skipped++
			return nil
		}

		meta := dirs.lookup(filepath.Dir(path))
		artist, name := ParseFileName(path)
		if artist == UnknownArtist && meta.album != nil && meta.album.Artist != "" {
			artist = meta.album.Artist
		}
		image := im.findImage(path)
		if image == "" && meta.art != "" {
			image = im.importFolderArt(path, meta.art)
		}

		entry := Entry{
			Name:          name,
			Artist:        artist,
			Duration:      int(math.Round(duration.Seconds())),
			ImageFileName: image,
			SongFileName:  filepath.ToSlash(rel),
		}

		id, err := im.store.Upsert(ctx, entry)
		if err != nil {
			return err
		}
		log.Debug().Str("component", "catalog").Int32("id", id).Str("file", rel).Msg("Imported song")
		result.Imported++
		return nil
	})

	result.Duration = time.Since(start)
	return result, err
}

// findImage looks for cover art named after the song file in the images directory
func (im *Importer) findImage(songPath string) string {
	base := strings.TrimSuffix(filepath.Base(songPath), filepath.Ext(songPath))
	for _, ext := range []string{".jpg", ".jpeg", ".png"} {
		name := base + ext
		if _, err := os.Stat(filepath.Join(im.cfg.ImagesDir, name)); err == nil {
			return name
		}
	}
	return ""
}

// importFolderArt copies a directory cover into the images directory under
// the song's name and returns the new file name
func (im *Importer) importFolderArt(songPath, artPath string) string {
	base := strings.TrimSuffix(filepath.Base(songPath), filepath.Ext(songPath))
	name := base + strings.ToLower(filepath.Ext(artPath))

	data, err := os.ReadFile(artPath)
	if err != nil {
		log.Warn().Str("component", "catalog").Str("file", artPath).Err(err).Msg("Failed to read folder art")
		return ""
	}
	if err := os.MkdirAll(im.cfg.ImagesDir, 0755); err != nil {
		log.Warn().Str("component", "catalog").Err(err).Msg("Failed to create images directory")
		return ""
	}
	if err := os.WriteFile(filepath.Join(im.cfg.ImagesDir, name), data, 0644); err != nil {
		log.Warn().Str("component", "catalog").Str("file", name).Err(err).Msg("Failed to copy folder art")
		return ""
	}
	return name
}

// ParseFileName derives artist and title from "Artist - Title.ext".
// Files without the separator get an unknown artist.
func ParseFileName(path string) (artist, title string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if a, t, ok := strings.Cut(base, " - "); ok && strings.TrimSpace(a) != "" && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(a), strings.TrimSpace(t)
	}
	return UnknownArtist, strings.TrimSpace(base)
}
