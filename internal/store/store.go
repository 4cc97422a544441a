// Package store persists RelayTarget rows, the singleton EncoderSettings
// row, and the singleton resolved port pair across restarts, via a
// single SQLite database file.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/relaycast/ingestd/internal/state"
)

// RelayStore persists relay targets.
type RelayStore interface {
	ListRelayTargets(ctx context.Context) ([]state.RelayTarget, error)
	GetRelayTarget(ctx context.Context, id int64) (state.RelayTarget, error)
	AddRelayTarget(ctx context.Context, t state.RelayTarget) (state.RelayTarget, error)
	SetRelayTargetEnabled(ctx context.Context, id int64, enabled bool) error
	RemoveRelayTarget(ctx context.Context, id int64) error
}

// EncoderSettingsStore persists the singleton encoder settings row.
type EncoderSettingsStore interface {
	GetEncoderSettings(ctx context.Context) (state.EncoderSettings, error)
	PutEncoderSettings(ctx context.Context, s state.EncoderSettings) error
}

// PortStore persists the resolved RTMP/file port pair, so they survive
// restarts instead of being rescanned every time the process starts.
type PortStore interface {
	GetPorts(ctx context.Context) (state.PortInfo, bool, error)
	PutPorts(ctx context.Context, p state.PortInfo) error
}

// relayTargetRow is the GORM model backing the relay_targets table.
type relayTargetRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	Tag       string
	URL       string
	StreamKey string
	Enabled   bool
	CreatedAt time.Time
}

func (relayTargetRow) TableName() string { return "relay_targets" }

// encoderSettingsRow is the GORM model backing the singleton
// encoder_settings row (id is always 1).
type encoderSettingsRow struct {
	ID               int64 `gorm:"primaryKey"`
	VideoCodec       string
	AudioCodec       string
	VideoBitrateKbps int
	AudioBitrateKbps int
	BufsizeKbps      int
	Preset           string
	Tune             string
	Framerate        int
	Resolution       string
	UsePassthrough   bool
}

func (encoderSettingsRow) TableName() string { return "encoder_settings" }

const encoderSettingsSingletonID = 1

// portsRow is the GORM model backing the singleton ports row (id is
// always 1), recording the RTMP/file port pair chosen the first time
// this node started.
type portsRow struct {
	ID       int64 `gorm:"primaryKey"`
	RTMPPort int
	FilePort int
}

func (portsRow) TableName() string { return "ports" }

const portsSingletonID = 1

// SQLite is the default Store implementation: one SQLite file, three
// tables, no cgo (glebarez/sqlite is pure Go).
type SQLite struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates its schema. A failure here is one of the startup conditions
// this module permits a panic for (spec.md §7).
func Open(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&relayTargetRow{}, &encoderSettingsRow{}, &portsRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) ListRelayTargets(ctx context.Context) ([]state.RelayTarget, error) {
	var rows []relayTargetRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]state.RelayTarget, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (s *SQLite) GetRelayTarget(ctx context.Context, id int64) (state.RelayTarget, error) {
	var row relayTargetRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return state.RelayTarget{}, err
	}
	return fromRow(row), nil
}

func (s *SQLite) AddRelayTarget(ctx context.Context, t state.RelayTarget) (state.RelayTarget, error) {
	row := relayTargetRow{
		Tag:       t.Tag,
		URL:       t.URL,
		StreamKey: t.StreamKey,
		Enabled:   t.Enabled,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return state.RelayTarget{}, err
	}
	return fromRow(row), nil
}

func (s *SQLite) SetRelayTargetEnabled(ctx context.Context, id int64, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&relayTargetRow{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: no relay target with id %d", id)
	}
	return nil
}

func (s *SQLite) RemoveRelayTarget(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&relayTargetRow{}, "id = ?", id).Error
}

func (s *SQLite) GetEncoderSettings(ctx context.Context) (state.EncoderSettings, error) {
	var row encoderSettingsRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", encoderSettingsSingletonID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return state.DefaultEncoderSettings(), nil
	}
	if err != nil {
		return state.EncoderSettings{}, err
	}
	return state.EncoderSettings{
		VideoCodec:       row.VideoCodec,
		AudioCodec:       row.AudioCodec,
		VideoBitrateKbps: row.VideoBitrateKbps,
		AudioBitrateKbps: row.AudioBitrateKbps,
		BufsizeKbps:      row.BufsizeKbps,
		Preset:           row.Preset,
		Tune:             row.Tune,
		Framerate:        row.Framerate,
		Resolution:       row.Resolution,
		UsePassthrough:   row.UsePassthrough,
	}, nil
}

func (s *SQLite) PutEncoderSettings(ctx context.Context, es state.EncoderSettings) error {
	row := encoderSettingsRow{
		ID:               encoderSettingsSingletonID,
		VideoCodec:       es.VideoCodec,
		AudioCodec:       es.AudioCodec,
		VideoBitrateKbps: es.VideoBitrateKbps,
		AudioBitrateKbps: es.AudioBitrateKbps,
		BufsizeKbps:      es.BufsizeKbps,
		Preset:           es.Preset,
		Tune:             es.Tune,
		Framerate:        es.Framerate,
		Resolution:       es.Resolution,
		UsePassthrough:   es.UsePassthrough,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// GetPorts returns the persisted port pair, if one has ever been saved.
func (s *SQLite) GetPorts(ctx context.Context) (state.PortInfo, bool, error) {
	var row portsRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", portsSingletonID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return state.PortInfo{}, false, nil
	}
	if err != nil {
		return state.PortInfo{}, false, err
	}
	return state.PortInfo{RTMPPort: row.RTMPPort, FilePort: row.FilePort}, true, nil
}

// PutPorts persists p as the singleton ports row, overwriting whatever
// was saved before.
func (s *SQLite) PutPorts(ctx context.Context, p state.PortInfo) error {
	row := portsRow{ID: portsSingletonID, RTMPPort: p.RTMPPort, FilePort: p.FilePort}
	return s.db.WithContext(ctx).Save(&row).Error
}

func fromRow(r relayTargetRow) state.RelayTarget {
	return state.RelayTarget{
		ID:        r.ID,
		Tag:       r.Tag,
		URL:       r.URL,
		StreamKey: r.StreamKey,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
	}
}
