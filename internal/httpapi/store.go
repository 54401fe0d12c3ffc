package httpapi

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AdminStore is the query surface the REST handlers depend on. GormStore is
// the production implementation; tests substitute a fake the way
// transport.Memory stands in for the WhatsApp transport.
type AdminStore interface {
	ListBots(ctx context.Context) ([]BotRecord, error)
	GetBot(ctx context.Context, id int64) (BotRecord, error)
	UpdateBot(ctx context.Context, id int64, upd BotUpdate) (BotRecord, error)
	ListSessions(ctx context.Context, botID int64) ([]SessionRecord, error)
	ListAutomations(ctx context.Context, botID int64) ([]AutomationRecord, error)
}

// GormStore is the admin/ops read-write surface over the same Postgres
// database internal/storage's squirrel hot path writes to. It exists
// because the admin console's needs (flexible partial updates, struct
// scanning for JSON responses) fit gorm's ergonomics better than
// squirrel's explicit query building, and the two surfaces genuinely serve
// different callers: the hot path serves the message pipeline, this
// serves an operator's browser tab.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) ListBots(ctx context.Context) ([]BotRecord, error) {
	var bots []BotRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return bots, nil
}

func (s *GormStore) GetBot(ctx context.Context, id int64) (BotRecord, error) {
	var bot BotRecord
	if err := s.db.WithContext(ctx).First(&bot, "id = ?", id).Error; err != nil {
		return BotRecord{}, fmt.Errorf("get bot %d: %w", id, err)
	}
	return bot, nil
}

func (s *GormStore) UpdateBot(ctx context.Context, id int64, upd BotUpdate) (BotRecord, error) {
	updates := map[string]any{}
	if upd.SystemPrompt != nil {
		updates["system_prompt"] = *upd.SystemPrompt
	}
	if upd.Temperature != nil {
		updates["temperature"] = *upd.Temperature
	}
	if upd.AIEnabled != nil {
		updates["ai_enabled"] = *upd.AIEnabled
	}
	if upd.IgnoreGroups != nil {
		updates["ignore_groups"] = *upd.IgnoreGroups
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&BotRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return BotRecord{}, fmt.Errorf("update bot %d: %w", id, err)
		}
	}
	return s.GetBot(ctx, id)
}

func (s *GormStore) ListSessions(ctx context.Context, botID int64) ([]SessionRecord, error) {
	var sessions []SessionRecord
	if err := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions for bot %d: %w", botID, err)
	}
	return sessions, nil
}

func (s *GormStore) ListAutomations(ctx context.Context, botID int64) ([]AutomationRecord, error) {
	var automations []AutomationRecord
	if err := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("id").Find(&automations).Error; err != nil {
		return nil, fmt.Errorf("list automations for bot %d: %w", botID, err)
	}
	return automations, nil
}
