package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cantonconnect/bridge/pkg/core"
)

// Journal records lifecycle transitions for audit.
type Journal interface {
	Record(ctx context.Context, cmd core.Command, ev Event, reason string) error
}

// CommandRecord is one command in the command_journal table.
type CommandRecord struct {
	CommandID        string         `gorm:"column:command_id;type:varchar(64);primaryKey"`
	Status           string         `gorm:"column:status;type:varchar(16);not null"`
	Transitions      pq.StringArray `gorm:"type:text[];column:transitions"`
	Signature        string         `gorm:"column:signature;type:text"`
	SignedBy         string         `gorm:"column:signed_by;type:varchar(255)"`
	Party            string         `gorm:"column:party;type:varchar(255)"`
	UpdateID         string         `gorm:"column:update_id;type:varchar(255)"`
	CompletionOffset int64          `gorm:"column:completion_offset"`
	LastPayload      datatypes.JSON `gorm:"column:last_payload;type:text"`
	FailureReason    string         `gorm:"column:failure_reason;type:text"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (CommandRecord) TableName() string {
	return "command_journal"
}

var _ Journal = (*GormJournal)(nil)

// GormJournal keeps one row per command and appends each status to it.
type GormJournal struct {
	db *gorm.DB
}

func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

func (j *GormJournal) Record(ctx context.Context, cmd core.Command, ev Event, reason string) error {
	var payload datatypes.JSON
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal lifecycle payload: %w", err)
		}
		payload = raw
	}

	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec CommandRecord
		err := tx.Where("command_id = ?", string(cmd.CommandID)).First(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		created := errors.Is(err, gorm.ErrRecordNotFound)

		rec.CommandID = string(cmd.CommandID)
		rec.Status = string(cmd.Status)
		rec.Transitions = append(rec.Transitions, string(ev.Status))
		rec.Signature = string(cmd.Signature)
		rec.SignedBy = cmd.SignedBy
		rec.Party = string(cmd.Party)
		rec.UpdateID = cmd.UpdateID
		rec.CompletionOffset = cmd.CompletionOffset
		if payload != nil {
			rec.LastPayload = payload
		}
		if reason != "" {
			rec.FailureReason = reason
		}

		if created {
			return tx.Create(&rec).Error
		}
		return tx.Save(&rec).Error
	})
}

// Get returns the journaled record of a command.
func (j *GormJournal) Get(ctx context.Context, id core.CommandID) (*CommandRecord, error) {
	var rec CommandRecord
	if err := j.db.WithContext(ctx).Where("command_id = ?", string(id)).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the most recently updated records, newest first.
func (j *GormJournal) List(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []CommandRecord
	err := j.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}
