package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"revenuechannels/core/events"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	filePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

// ErrNotConfigured is returned by a nil journal.
var ErrNotConfigured = errors.New("journal not configured")

// Entry is one persisted lifecycle event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   int64     `gorm:"uniqueIndex;not null" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	LoanID     string    `gorm:"size:66;index" json:"loanId,omitempty"`
	LoanToken  string    `gorm:"size:42;index" json:"loanToken,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "lending_events" }

// Decoded returns the entry's attributes as a map.
func (e Entry) Decoded() map[string]string {
	attrs := map[string]string{}
	if e.Attributes != "" {
		_ = json.Unmarshal([]byte(e.Attributes), &attrs)
	}
	return attrs
}

// Sample is one raw price observation collected by the feeder.
type Sample struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Pair       string    `gorm:"size:96;index" json:"pair"`
	Source     string    `gorm:"size:64" json:"source"`
	Rate       string    `gorm:"size:80" json:"rate"`
	ObservedAt time.Time `json:"observedAt"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (Sample) TableName() string { return "oracle_samples" }

// Filter narrows a journal query. After is an exclusive sequence cursor.
type Filter struct {
	Type      string
	LoanID    string
	LoanToken string
	After     int64
	Limit     int
}

// Journal persists engine events through gorm. It implements events.Emitter
// so it can sit directly behind the engine; write failures are logged rather
// than surfaced since the engine has already committed.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu  sync.Mutex
	seq int64
}

// DSN resolves the connection string for the configured driver. A sqlite
// journal with neither dsn nor path lives in a private in-memory database.
func DSN(driver, dsn, path string) (string, error) {
	switch driver {
	case "postgres":
		return dsn, nil
	case "sqlite", "":
		if dsn != "" {
			return dsn, nil
		}
		if path == "" {
			return fmt.Sprintf("file:journal-%s?mode=memory&cache=shared", uuid.NewString()), nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve journal path: %w", err)
		}
		return fmt.Sprintf("file:%s?%s", abs, filePragmas), nil
	default:
		return "", fmt.Errorf("unsupported journal driver %q", driver)
	}
}

// Open connects to the journal database and migrates its schema.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, ErrNotConfigured
	}
	if err := db.AutoMigrate(&Entry{}, &Sample{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	var last struct{ Max int64 }
	if err := db.Model(&Entry{}).Select("COALESCE(MAX(sequence), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("load journal cursor: %w", err)
	}
	return &Journal{
		db:     db,
		logger: slog.Default(),
		nowFn:  time.Now,
		seq:    last.Max,
	}, nil
}

// SetLogger overrides the logger used for write failures.
func (j *Journal) SetLogger(l *slog.Logger) {
	if j == nil || l == nil {
		return
	}
	j.logger = l
}

// Append stores an event and returns the persisted entry.
func (j *Journal) Append(ctx context.Context, evt events.Event) (Entry, error) {
	if j == nil || j.db == nil {
		return Entry{}, ErrNotConfigured
	}
	if evt == nil {
		return Entry{}, fmt.Errorf("nil event")
	}
	attrs := map[string]string{}
	if rec, ok := evt.(events.Record); ok && rec.Attributes != nil {
		attrs = rec.Attributes
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Entry{}, fmt.Errorf("encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := Entry{
		ID:         uuid.New(),
		Sequence:   j.seq + 1,
		Type:       evt.EventType(),
		LoanID:     attrs["loanId"],
		LoanToken:  attrs["loanToken"],
		Attributes: string(payload),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("insert event: %w", err)
	}
	j.seq = entry.Sequence
	return entry, nil
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if j == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal write failed", "type", evt.EventType(), "error", err)
	}
}

// Query returns entries matching the filter in sequence order.
func (j *Journal) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotConfigured
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	tx := j.db.WithContext(ctx).Model(&Entry{}).Where("sequence > ?", filter.After)
	if t := strings.TrimSpace(filter.Type); t != "" {
		tx = tx.Where("type = ?", t)
	}
	if id := strings.TrimSpace(filter.LoanID); id != "" {
		tx = tx.Where("loan_id = ?", id)
	}
	if token := strings.ToLower(strings.TrimSpace(filter.LoanToken)); token != "" {
		tx = tx.Where("loan_token = ?", token)
	}
	var entries []Entry
	if err := tx.Order("sequence ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return entries, nil
}

// RecordSample stores a raw feeder observation.
func (j *Journal) RecordSample(ctx context.Context, pair, source, rate string, observed time.Time) error {
	if j == nil || j.db == nil {
		return ErrNotConfigured
	}
	sample := Sample{
		ID:         uuid.New(),
		Pair:       strings.ToLower(pair),
		Source:     strings.ToLower(source),
		Rate:       rate,
		ObservedAt: observed.UTC(),
		RecordedAt: j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Samples returns the most recent observations for a pair, newest first.
func (j *Journal) Samples(ctx context.Context, pair string, limit int) ([]Sample, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	var samples []Sample
	err := j.db.WithContext(ctx).
		Where("pair = ?", strings.ToLower(pair)).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	return samples, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
