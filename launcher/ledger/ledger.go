package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"vertex_launcher/launcher/schema"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrRunNotFound = errors.New("run not found")

// Ledger is the local history of submitted runs, kept in a sqlite database
// next to the launcher.
type Ledger struct {
	db *gorm.DB
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "0_initial",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&schema.Run{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&schema.Run{})
			},
		},
	}
}

func Open(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("error opening run ledger %v: %w", path, err)
	}

	migrator := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	if err := migrator.Migrate(); err != nil {
		return nil, fmt.Errorf("error migrating run ledger %v: %w", path, err)
	}

	return &Ledger{db: db}, nil
}

func (l *Ledger) Record(run schema.Run) error {
	if err := l.db.Create(&run).Error; err != nil {
		slog.Error("error recording run", "run_id", run.Id, "error", err)
		return fmt.Errorf("error recording run %v: %w", run.Id, err)
	}
	return nil
}

func (l *Ledger) Get(id uuid.UUID) (schema.Run, error) {
	var run schema.Run
	err := l.db.First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.Run{}, ErrRunNotFound
	}
	if err != nil {
		return schema.Run{}, fmt.Errorf("error loading run %v: %w", id, err)
	}
	return run, nil
}

func (l *Ledger) List() ([]schema.Run, error) {
	var runs []schema.Run
	err := l.db.Order("created_at desc").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	return runs, nil
}

func (l *Ledger) UpdateState(id uuid.UUID, state string) error {
	result := l.db.Model(&schema.Run{}).Where("id = ?", id).Update("state", state)
	if result.Error != nil {
		return fmt.Errorf("error updating state for run %v: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}
