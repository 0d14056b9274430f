package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// songRecord is a row of the songs table
type songRecord struct {
	SongID               int32  `gorm:"column:song_id;primaryKey;autoIncrement"`
	SongName             string `gorm:"column:song_name;not null"`
	ArtistName           string `gorm:"column:artist_name;not null"`
	SongNameSerialized   string `gorm:"column:song_name_serialized;index"`
	ArtistNameSerialized string `gorm:"column:artist_name_serialized;index"`
	Duration             int    `gorm:"column:duration"`
	ImageFileName        string `gorm:"column:image_file_name"`
	SongFileName         string `gorm:"column:song_file_name;uniqueIndex;not null"`
}

func (songRecord) TableName() string { return "songs" }

// Entry describes a song to add to the catalog. File names are relative to
// the configured songs and images directories.
type Entry struct {
	Name          string
	Artist        string
	Duration      int
	ImageFileName string
	SongFileName  string
}

// Store is a Catalog backed by a SQLite database
type Store struct {
	db  *gorm.DB
	cfg Config
}

// OpenStore opens (and migrates) the catalog database
func OpenStore(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if err := db.AutoMigrate(&songRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog database: %w", err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// StoreOpener returns an Opener creating one Store per call
func StoreOpener(cfg Config) Opener {
	return func() (Catalog, error) {
		return OpenStore(cfg)
	}
}

// Search matches term against the whitespace-free song and artist names
func (s *Store) Search(ctx context.Context, term string) ([]types.Song, error) {
	term = Normalize(term)
	if term == "" {
		return nil, nil
	}

	pattern := "%" + term + "%"
	var records []songRecord
	err := s.db.WithContext(ctx).
		Where("song_name_serialized LIKE ? OR artist_name_serialized LIKE ?", pattern, pattern).
		Order("song_id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search catalog: %w", err)
	}

	songs := make([]types.Song, 0, len(records))
	for _, rec := range records {
		songs = append(songs, types.Song{
			ID:       rec.SongID,
			Name:     rec.SongName,
			Artist:   rec.ArtistName,
			Duration: rec.Duration,
			Image:    s.loadImage(rec.ImageFileName),
		})
	}
	return songs, nil
}

func (s *Store) loadImage(name string) []byte {
	if name == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.ImagesDir, name))
	if err != nil {
		log.Warn().Str("component", "catalog").Str("image", name).Err(err).Msg("Cover image unavailable")
		return nil
	}
	return data
}

// Open returns the PCM source for songID
func (s *Store) Open(ctx context.Context, songID int32) (Source, error) {
	var rec songRecord
	err := s.db.WithContext(ctx).Where("song_id = ?", songID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSongNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up song %d: %w", songID, err)
	}

	return OpenSource(filepath.Join(s.cfg.SongsDir, rec.SongFileName))
}

// Upsert inserts an entry, or updates the row with the same song file
func (s *Store) Upsert(ctx context.Context, e Entry) (int32, error) {
	rec := songRecord{
		SongName:             e.Name,
		ArtistName:           e.Artist,
		SongNameSerialized:   Normalize(e.Name),
		ArtistNameSerialized: Normalize(e.Artist),
		Duration:             e.Duration,
		ImageFileName:        e.ImageFileName,
		SongFileName:         e.SongFileName,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "song_file_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"song_name", "artist_name", "song_name_serialized",
			"artist_name_serialized", "duration", "image_file_name",
		}),
	}).Create(&rec).Error
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", e.SongFileName, err)
	}

	if rec.SongID == 0 {
		if err := s.db.WithContext(ctx).Where("song_file_name = ?", e.SongFileName).First(&rec).Error; err != nil {
			return 0, fmt.Errorf("failed to read back %s: %w", e.SongFileName, err)
		}
	}
	return rec.SongID, nil
}

// Count returns the number of songs in the catalog
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&songRecord{}).Count(&n).Error
	return n, err
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Catalog = (*Store)(nil)
