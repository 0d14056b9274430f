package catalog

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AlbumNFO is the Kodi-style album metadata file looked for next to songs
const AlbumNFO = "album.nfo"

// UnknownArtist is used when neither the file name nor album.nfo names an artist
const UnknownArtist = "Unknown Artist"

// AlbumInfo represents the parts of an album.nfo file the catalog uses
type AlbumInfo struct {
	Title  string `xml:"title"`
	Artist string `xml:"artist"`
	Year   int    `xml:"year"`
}

// ParseAlbumNFO parses an album.nfo file
func ParseAlbumNFO(path string) (*AlbumInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var album AlbumInfo
	if err := xml.Unmarshal(data, &album); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	album.Artist = strings.TrimSpace(album.Artist)
	album.Title = strings.TrimSpace(album.Title)
	return &album, nil
}

// folderArtNames are the common cover file names, in order of preference
var folderArtNames = []string{"cover.jpg", "cover.png", "folder.jpg", "folder.png", "front.jpg", "front.png"}

// FindFolderArt returns the cover image stored in dir, or ""
func FindFolderArt(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	found := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			found[strings.ToLower(entry.Name())] = entry.Name()
		}
	}
	for _, name := range folderArtNames {
		if actual, ok := found[name]; ok {
			return filepath.Join(dir, actual)
		}
	}
	return ""
}

// dirMetadata caches what a directory contributes to its songs
type dirMetadata struct {
	album *AlbumInfo
	art   string
}

type metadataCache map[string]dirMetadata

func (c metadataCache) lookup(dir string) dirMetadata {
	if meta, ok := c[dir]; ok {
		return meta
	}

	meta := dirMetadata{art: FindFolderArt(dir)}
	if album, err := ParseAlbumNFO(filepath.Join(dir, AlbumNFO)); err == nil {
		meta.album = album
	}
	c[dir] = meta
	return meta
}
