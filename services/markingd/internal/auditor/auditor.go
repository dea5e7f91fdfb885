// Package auditor records finished mass-marking sessions into the audit
// trail the admin screens read. It is an optional sidecar: the marking core
// never touches the database.
package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"qrmark/pkg/bus"
	"qrmark/services/markingd/internal/marking"
)

const (
	durableName = "auditor-marking-finished"
	auditAction = "mass_marking_finished"
)

// Recorder consumes marking lifecycle events from NATS and persists audit
// rows.
type Recorder struct {
	orm *gorm.DB
	bus *bus.Bus

	subMu sync.Mutex
	sub   io.Closer
}

// Connect opens the PostgreSQL-backed GORM session for the audit schema and
// migrates it.
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	database, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)

	if err := database.WithContext(ctx).AutoMigrate(&auditModel{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	return database, nil
}

// Close releases the underlying sql.DB resources.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewRecorder constructs a Recorder bound to the provided dependencies.
func NewRecorder(orm *gorm.DB, b *bus.Bus) (*Recorder, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}

	return &Recorder{orm: orm, bus: b}, nil
}

// Start subscribes to finished-session events and records them until ctx is
// cancelled.
func (rec *Recorder) Start(ctx context.Context) error {
	if rec == nil {
		return errors.New("nil recorder")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := rec.bus.Subscribe(ctx, marking.SubjectFinished, durableName, rec.handleFinished)
	if err != nil {
		return err
	}

	rec.subMu.Lock()
	rec.sub = sub
	rec.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (rec *Recorder) Close() error {
	if rec == nil {
		return nil
	}

	rec.subMu.Lock()
	defer rec.subMu.Unlock()

	if rec.sub == nil {
		return nil
	}
	err := rec.sub.Close()
	rec.sub = nil
	return err
}

func (rec *Recorder) handleFinished(ctx context.Context, data []byte) error {
	var evt marking.LifecycleEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.SessionID == "" {
		return errors.New("session_id missing from lifecycle event")
	}

	row := auditModel{
		Actor:  strconv.FormatInt(evt.OwnerID, 10),
		Action: auditAction,
		Obj:    evt.SessionID,
		Details: map[string]any{
			"state":      evt.State,
			"total":      evt.Total,
			"processed":  evt.Processed,
			"successful": evt.Successful,
			"failed":     evt.Failed,
			"discipline": evt.Discipline,
			"group":      evt.Group,
		},
	}

	return rec.orm.WithContext(ctx).Create(&row).Error
}
