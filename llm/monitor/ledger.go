package monitor

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Event types stored in the ledger.
const (
	EventRequest  = "request"
	EventError    = "error"
	EventCacheHit = "cache_hit"
)

// UsageRecord is one ledger row: a completed call, a failure, or a
// cache hit.
type UsageRecord struct {
	ID               uint      `gorm:"primarykey" json:"id"`
	Provider         string    `gorm:"index;size:64" json:"provider"`
	Model            string    `gorm:"size:128" json:"model"`
	RequestType      string    `gorm:"size:32" json:"request_type"`
	EventType        string    `gorm:"index;size:16" json:"event_type"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	Duration         float64   `json:"duration"` // seconds
	QualityScore     int       `json:"quality_score"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `gorm:"size:512" json:"error_message,omitempty"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (UsageRecord) TableName() string { return "llm_usage_records" }

// Ledger persists usage records. The gateway treats it as optional:
// a nil ledger degrades statistics to zeros and never blocks requests.
type Ledger interface {
	Record(ctx context.Context, rec *UsageRecord) error
	Since(ctx context.Context, from time.Time) ([]UsageRecord, error)
	SpendSince(ctx context.Context, from time.Time) (float64, error)
}

// GormLedger stores usage records through gorm. The default driver is
// the pure-Go sqlite build, so a file path is all it takes.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger migrates the schema and returns the ledger.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, err
	}
	return &GormLedger{db: db}, nil
}

// Record inserts one row.
func (l *GormLedger) Record(ctx context.Context, rec *UsageRecord) error {
	return l.db.WithContext(ctx).Create(rec).Error
}

// Since returns all rows created at or after from, oldest first.
func (l *GormLedger) Since(ctx context.Context, from time.Time) ([]UsageRecord, error) {
	var out []UsageRecord
	err := l.db.WithContext(ctx).
		Where("created_at >= ?", from).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// SpendSince sums cost over rows created at or after from.
func (l *GormLedger) SpendSince(ctx context.Context, from time.Time) (float64, error) {
	var total float64
	err := l.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("created_at >= ?", from).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	return total, err
}
