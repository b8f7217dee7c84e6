package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"storyloom/server/internal/config"
	"storyloom/server/internal/interfaces"
	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

// MySQLStore is the durable persistence adapter. Session rows carry the
// aggregate state as a JSON blob; saves overwrite the whole row
// (last-write-wins), turns are append-only.
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&models.Session{},
		&models.Turn{},
		&models.UsageRecord{},
		&models.Story{},
		&models.Character{},
	); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLStore) GetDB() *gorm.DB {
	return s.db
}

// Transaction helper
func (s *MySQLStore) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// CreateSession inserts a new session row with its initial aggregate state.
func (s *MySQLStore) CreateSession(ctx context.Context, session *models.Session, aggregate state.Aggregate) error {
	blob, err := marshalAggregate(aggregate)
	if err != nil {
		return err
	}
	session.StateJSON = blob
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// LoadSession returns the session row, its aggregate and the full ordered
// transcript.
func (s *MySQLStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, state.Aggregate, []models.Turn, error) {
	var session models.Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, state.Aggregate{}, nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, state.Aggregate{}, nil, fmt.Errorf("failed to load session: %w", err)
	}

	aggregate, err := unmarshalAggregate(session.StateJSON)
	if err != nil {
		return nil, state.Aggregate{}, nil, fmt.Errorf("failed to decode session state: %w", err)
	}

	var turns []models.Turn
	err = s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&turns).Error
	if err != nil {
		return nil, state.Aggregate{}, nil, fmt.Errorf("failed to load turns: %w", err)
	}

	return &session, aggregate, turns, nil
}

// SaveSession overwrites the session row and appends the given new turns in
// one transaction. No field-level merge happens here; the engine merges
// before calling save.
func (s *MySQLStore) SaveSession(ctx context.Context, session *models.Session, aggregate state.Aggregate, newTurns []models.Turn) error {
	blob, err := marshalAggregate(aggregate)
	if err != nil {
		return err
	}
	session.StateJSON = blob

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(session).Error; err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		if len(newTurns) > 0 {
			if err := tx.Create(&newTurns).Error; err != nil {
				return fmt.Errorf("failed to append turns: %w", err)
			}
		}
		return nil
	})
}

func (s *MySQLStore) GetStory(ctx context.Context, storyID string) (*models.Story, error) {
	var story models.Story
	if err := s.db.WithContext(ctx).First(&story, "id = ?", storyID).Error; err != nil {
		return nil, fmt.Errorf("failed to load story %s: %w", storyID, err)
	}
	return &story, nil
}

func (s *MySQLStore) GetCharacter(ctx context.Context, characterID string) (*models.Character, error) {
	var character models.Character
	if err := s.db.WithContext(ctx).First(&character, "id = ?", characterID).Error; err != nil {
		return nil, fmt.Errorf("failed to load character %s: %w", characterID, err)
	}
	return &character, nil
}

// RecordUsage appends one accounting row. Reporting-only; failures here never
// affect the turn that produced them.
func (s *MySQLStore) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func marshalAggregate(aggregate state.Aggregate) (string, error) {
	data, err := json.Marshal(aggregate)
	if err != nil {
		return "", fmt.Errorf("failed to marshal aggregate state: %w", err)
	}
	return string(data), nil
}

func unmarshalAggregate(blob string) (state.Aggregate, error) {
	if blob == "" {
		return state.NewAggregate(), nil
	}
	var aggregate state.Aggregate
	if err := json.Unmarshal([]byte(blob), &aggregate); err != nil {
		return state.Aggregate{}, err
	}
	if aggregate.MemoryEvents == nil {
		aggregate.MemoryEvents = []state.MemoryEvent{}
	}
	if aggregate.Relationships == nil {
		aggregate.Relationships = map[string]state.Relationship{}
	}
	return aggregate, nil
}
