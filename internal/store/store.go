// Package store persists notification links, scribe links and transcription
// consent. Absence is never an error: lookups that find nothing return a nil
// link or false.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/discord-voice-lab/callwatch/internal/logging"
)

var (
	// ErrAlreadyConsented is returned when the member already consented to
	// the same channel.
	ErrAlreadyConsented = errors.New("store: consent already recorded for this channel")
	// ErrConsentElsewhere is returned when the member holds consent for a
	// different channel; they must revoke it first.
	ErrConsentElsewhere = errors.New("store: consent already recorded for another channel")
	// ErrNoScribeLink is returned when consenting to a channel nobody
	// transcribes.
	ErrNoScribeLink = errors.New("store: channel has no scribe link")
)

type Store struct {
	db *gorm.DB
}

// Open connects to sqlite (dsn is a file path) or postgres (dsn is a libpq
// connection string).
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY under concurrent lookups.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	logging.Infow("store opened", "driver", driver)
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&NotificationLink{}, &ScribeLink{}, &Consent{}); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NotificationLink returns the link for a voice channel, or nil.
func (s *Store) NotificationLink(ctx context.Context, voiceChannelID string) (*NotificationLink, error) {
	var rows []NotificationLink
	err := s.db.WithContext(ctx).
		Where(`"voiceChannelId" = ?`, voiceChannelID).
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: notification link %s: %w", voiceChannelID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ScribeLink returns the link for a voice channel, or nil.
func (s *Store) ScribeLink(ctx context.Context, voiceChannelID string) (*ScribeLink, error) {
	var rows []ScribeLink
	err := s.db.WithContext(ctx).
		Where(`"voiceChannelId" = ?`, voiceChannelID).
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: scribe link %s: %w", voiceChannelID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// HasConsent reports whether userID consented to transcription in
// voiceChannelID.
func (s *Store) HasConsent(ctx context.Context, userID, voiceChannelID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Consent{}).
		Where(`"userId" = ? AND "voiceChannelId" = ?`, userID, voiceChannelID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: consent %s/%s: %w", userID, voiceChannelID, err)
	}
	return n > 0, nil
}

// LinkNotifications creates or replaces the notification link of a voice
// channel.
func (s *Store) LinkNotifications(ctx context.Context, l NotificationLink) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "voiceChannelId"}},
		DoUpdates: clause.AssignmentColumns([]string{"guildId", "notifChannelId", "roleId"}),
	}).Create(&l).Error
	if err != nil {
		return fmt.Errorf("store: link notifications %s: %w", l.VoiceChannelID, err)
	}
	return nil
}

// UnlinkNotifications removes a notification link and reports whether one
// existed.
func (s *Store) UnlinkNotifications(ctx context.Context, voiceChannelID string) (bool, error) {
	res := s.db.WithContext(ctx).Where(`"voiceChannelId" = ?`, voiceChannelID).Delete(&NotificationLink{})
	if res.Error != nil {
		return false, fmt.Errorf("store: unlink notifications %s: %w", voiceChannelID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LinkScribe creates or replaces the scribe link of a voice channel.
func (s *Store) LinkScribe(ctx context.Context, l ScribeLink) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "voiceChannelId"}},
		DoUpdates: clause.AssignmentColumns([]string{"guildId", "scribeChannelId"}),
	}).Create(&l).Error
	if err != nil {
		return fmt.Errorf("store: link scribe %s: %w", l.VoiceChannelID, err)
	}
	return nil
}

func (s *Store) UnlinkScribe(ctx context.Context, voiceChannelID string) (bool, error) {
	res := s.db.WithContext(ctx).Where(`"voiceChannelId" = ?`, voiceChannelID).Delete(&ScribeLink{})
	if res.Error != nil {
		return false, fmt.Errorf("store: unlink scribe %s: %w", voiceChannelID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Consent records a member's opt-in for a transcribed channel.
func (s *Store) Consent(ctx context.Context, c Consent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var links int64
		if err := tx.Model(&ScribeLink{}).Where(`"voiceChannelId" = ?`, c.VoiceChannelID).Count(&links).Error; err != nil {
			return fmt.Errorf("store: consent: %w", err)
		}
		if links == 0 {
			return ErrNoScribeLink
		}
		var existing []Consent
		if err := tx.Where(`"userId" = ?`, c.UserID).Limit(1).Find(&existing).Error; err != nil {
			return fmt.Errorf("store: consent: %w", err)
		}
		if len(existing) > 0 {
			if existing[0].VoiceChannelID == c.VoiceChannelID {
				return ErrAlreadyConsented
			}
			return ErrConsentElsewhere
		}
		if err := tx.Create(&c).Error; err != nil {
			return fmt.Errorf("store: consent: %w", err)
		}
		return nil
	})
}

// Unconsent revokes a member's opt-in for one channel and reports whether a
// row was removed.
func (s *Store) Unconsent(ctx context.Context, userID, voiceChannelID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where(`"userId" = ? AND "voiceChannelId" = ?`, userID, voiceChannelID).
		Delete(&Consent{})
	if res.Error != nil {
		return false, fmt.Errorf("store: unconsent %s/%s: %w", userID, voiceChannelID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Consents lists the member's consent rows inside a guild.
func (s *Store) Consents(ctx context.Context, userID, guildID string) ([]Consent, error) {
	var rows []Consent
	err := s.db.WithContext(ctx).
		Where(`"userId" = ? AND "guildId" = ?`, userID, guildID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: consents %s: %w", userID, err)
	}
	return rows, nil
}
