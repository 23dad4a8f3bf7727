// Package store persists the model catalog and usage telemetry with
// GORM. The catalog is read-only input for the registry; the usage sink
// is append-only and tolerates concurrent writers.
package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arbiterhq/arbiter/llm"
)

// ModelRow is one catalog entry. Capabilities is a JSON array of tags.
type ModelRow struct {
	ID                   uint   `gorm:"primaryKey"`
	ModelID              string `gorm:"uniqueIndex;size:128"`
	Provider             string `gorm:"index;size:64"`
	MaxTokens            int
	ContextWindow        int
	TemperatureSupported bool
	Capabilities         string `gorm:"size:512"` // JSON array
	Priority             int
	FallbackModel        string `gorm:"size:128"`
	RateLimitRPM         int
	RateLimitTPM         int
	IsActive             bool `gorm:"index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (ModelRow) TableName() string { return "ai_models" }

// AttemptRow is one usage-telemetry record, one per attempt.
type AttemptRow struct {
	ID               uint   `gorm:"primaryKey"`
	RequestID        string `gorm:"index;size:64"`
	ModelID          string `gorm:"index;size:128"`
	Provider         string `gorm:"size:64"`
	SubjectID        string `gorm:"index;size:128"`
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
	Success          bool
	ErrorCode        string `gorm:"size:64"`
	CreatedAt        time.Time
}

func (AttemptRow) TableName() string { return "ai_usage" }

// AutoMigrate creates or updates both tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ModelRow{}, &AttemptRow{})
}

// Catalog reads active model rows for the registry.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCatalog creates a catalog source over db.
func NewCatalog(db *gorm.DB, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{db: db, logger: logger}
}

// LoadModels implements llm.CatalogSource. Rows with unparseable
// capability JSON are skipped with a warning rather than failing the
// whole refresh.
func (c *Catalog) LoadModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	var rows []ModelRow
	if err := c.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority asc, model_id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]llm.ModelDescriptor, 0, len(rows))
	for _, row := range rows {
		var caps []string
		if row.Capabilities != "" {
			if err := json.Unmarshal([]byte(row.Capabilities), &caps); err != nil {
				c.logger.Warn("skipping model with malformed capabilities",
					zap.String("model", row.ModelID),
					zap.Error(err))
				continue
			}
		}
		out = append(out, llm.ModelDescriptor{
			ID:                  row.ModelID,
			Provider:            row.Provider,
			MaxTokens:           row.MaxTokens,
			ContextWindow:       row.ContextWindow,
			Capabilities:        caps,
			SupportsTemperature: row.TemperatureSupported,
			Priority:            row.Priority,
			FallbackModelID:     row.FallbackModel,
			RateLimit: llm.RateLimitEnvelope{
				RequestsPerMinute: row.RateLimitRPM,
				TokensPerMinute:   row.RateLimitTPM,
			},
		})
	}
	return out, nil
}

// Recorder appends usage rows. Implements llm.UsageRecorder.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a usage sink over db.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record implements llm.UsageRecorder.
func (r *Recorder) Record(ctx context.Context, rec *llm.AttemptRecord) error {
	row := AttemptRow{
		RequestID:        rec.RequestID,
		ModelID:          rec.ModelID,
		Provider:         rec.Provider,
		SubjectID:        rec.SubjectID,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		LatencyMS:        rec.LatencyMS,
		Success:          rec.Success,
		ErrorCode:        string(rec.ErrorCode),
		CreatedAt:        rec.At,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// Seed inserts a small development catalog when the table is empty.
func Seed(db *gorm.DB) error {
	var count int64
	if err := db.Model(&ModelRow{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	rows := []ModelRow{
		{ModelID: "gpt-4o", Provider: "openai", MaxTokens: 16384, ContextWindow: 128000, TemperatureSupported: true, Capabilities: `["chat","analysis"]`, Priority: 10, FallbackModel: "claude-sonnet-4-5", RateLimitRPM: 500, IsActive: true},
		{ModelID: "gpt-4o-mini", Provider: "openai", MaxTokens: 16384, ContextWindow: 128000, TemperatureSupported: true, Capabilities: `["chat"]`, Priority: 30, RateLimitRPM: 1000, IsActive: true},
		{ModelID: "claude-sonnet-4-5", Provider: "anthropic", MaxTokens: 64000, ContextWindow: 200000, TemperatureSupported: true, Capabilities: `["chat","analysis"]`, Priority: 20, FallbackModel: "gemini-2.0-flash", RateLimitRPM: 300, IsActive: true},
		{ModelID: "gemini-2.0-flash", Provider: "google", MaxTokens: 8192, ContextWindow: 1000000, TemperatureSupported: true, Capabilities: `["chat"]`, Priority: 40, RateLimitRPM: 600, IsActive: true},
		{ModelID: "sonar-pro", Provider: "perplexity", MaxTokens: 8192, ContextWindow: 200000, TemperatureSupported: true, Capabilities: `["search"]`, Priority: 10, FallbackModel: "sonar", RateLimitRPM: 120, IsActive: true},
		{ModelID: "sonar", Provider: "perplexity", MaxTokens: 4096, ContextWindow: 127000, TemperatureSupported: true, Capabilities: `["search"]`, Priority: 20, RateLimitRPM: 120, IsActive: true},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			return err
		}
	}
	return nil
}
