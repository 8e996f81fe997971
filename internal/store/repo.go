package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
)

// Repository is the accessory registry. It survives restarts, which is what
// lets reconciliation tell restored accessories from new ones.
type Repository struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
}

func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&model.Accessory{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func identityIn(ids []uuid.UUID) clause.IN {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id.String()
	}
	return clause.IN{Column: clause.Column{Name: "identity"}, Values: values}
}

func byIdentity(id uuid.UUID) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "identity"}, Value: id.String()}
}

// ListCached returns every accessory restored from the registry.
func (r *Repository) ListCached(ctx context.Context) ([]model.Accessory, error) {
	var accs []model.Accessory
	if err := r.db.WithContext(ctx).Order("created_at").Find(&accs).Error; err != nil {
		return nil, err
	}
	return accs, nil
}

func (r *Repository) List(ctx context.Context) ([]model.Accessory, error) {
	return r.ListCached(ctx)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*model.Accessory, error) {
	var acc model.Accessory
	if err := r.db.WithContext(ctx).Where(byIdentity(id)).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (r *Repository) Register(ctx context.Context, acc *model.Accessory) error {
	if acc.Identity == uuid.Nil {
		return errors.New("accessory identity is required")
	}
	return r.db.WithContext(ctx).Create(acc).Error
}

func (r *Repository) UpdateContext(ctx context.Context, acc *model.Accessory, device model.DeviceConfig) error {
	if err := acc.SetContext(device); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.Accessory{}).Where(byIdentity(acc.Identity)).
		Updates(map[string]any{"context": acc.Context, "updated_at": time.Now().UTC()}).Error
}

// Unregister removes all given accessories in one transaction.
func (r *Repository) Unregister(ctx context.Context, accs []model.Accessory) error {
	if len(accs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(accs))
	for i, a := range accs {
		ids[i] = a.Identity
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where(identityIn(ids)).Delete(&model.Accessory{})
		if res.Error != nil {
			return res.Error
		}
		if int(res.RowsAffected) != len(ids) {
			return fmt.Errorf("unregister: expected %d accessories, removed %d", len(ids), res.RowsAffected)
		}
		return nil
	})
}

// EnsureSensorService adds or drops the leak sensor service. An accessory
// losing the service also forgets its last reading.
func (r *Repository) EnsureSensorService(ctx context.Context, acc *model.Accessory, present bool) error {
	if acc.SensorService == present {
		return nil
	}
	updates := map[string]any{"sensor_service": present}
	if !present {
		updates["leak_detected"] = nil
		updates["last_reading_at"] = nil
	}
	if err := r.db.WithContext(ctx).Model(&model.Accessory{}).Where(byIdentity(acc.Identity)).Updates(updates).Error; err != nil {
		return err
	}
	acc.SensorService = present
	if !present {
		acc.LeakDetected = nil
		acc.LastReadingAt = nil
	}
	return nil
}

func (r *Repository) SaveIdentityInfo(ctx context.Context, id uuid.UUID, info model.IdentityInfo) error {
	return r.db.WithContext(ctx).Model(&model.Accessory{}).Where(byIdentity(id)).
		Updates(map[string]any{"manufacturer": info.Manufacturer, "model": info.Model, "serial": info.Serial}).Error
}

func (r *Repository) SaveLeakState(ctx context.Context, id uuid.UUID, leak bool, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Accessory{}).Where(byIdentity(id)).
		Updates(map[string]any{"leak_detected": leak, "last_reading_at": at.UTC()}).Error
}
