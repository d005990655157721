package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/photo-verify/internal/backoff"
	"github.com/example/photo-verify/internal/verification"
)

// ErrNotFound is returned (wrapped) when no record matches a lookup.
var ErrNotFound = gorm.ErrRecordNotFound

// VerificationRecord is a persisted photo verification outcome.
type VerificationRecord struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID       string    `gorm:"column:user_id;index;size:64"`
	IsRealPerson bool      `gorm:"column:is_real_person"`
	Gender       *string   `gorm:"column:gender;size:16"`
	ErrorMessage *string   `gorm:"column:error_message;type:text"`
	SHA1Hash     string    `gorm:"column:sha1_hash;index;size:40"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationRecord) TableName() string {
	return "verification_records"
}

// Result rebuilds the decision stored in the record.
func (r *VerificationRecord) Result() verification.Result {
	res := verification.Result{IsRealPerson: r.IsRealPerson}
	if r.Gender != nil {
		if g, err := verification.ParseGender(*r.Gender); err == nil {
			res.Gender = &g
		}
	}
	if r.ErrorMessage != nil {
		res.ErrorMessage = *r.ErrorMessage
	}
	return res
}

// SetResult copies a decision into the record's columns.
func (r *VerificationRecord) SetResult(res verification.Result) {
	r.IsRealPerson = res.IsRealPerson
	r.Gender = nil
	if res.Gender != nil {
		name := res.Gender.String()
		r.Gender = &name
	}
	r.ErrorMessage = nil
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		r.ErrorMessage = &msg
	}
}

// MetricsAggregation holds raw aggregates over all records.
type MetricsAggregation struct {
	TotalCount       int64
	RealPersonCount  int64
	FailedCount      int64
	AverageLatencyMs float64
}

// VerificationRepository provides persistence APIs for verification records.
type VerificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy backoff.Policy
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:     db,
		logger: logger.Named("verification_repository"),
		policy: backoff.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.policy.Do(ctx, r.logger, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VerificationRecord{})
	})
}

// SaveRecord persists a verification record.
func (r *VerificationRepository) SaveRecord(ctx context.Context, record *VerificationRecord) error {
	return r.policy.Do(ctx, r.logger, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestIDAndUser retrieves a record matching the request and owner.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VerificationRecord, error) {
	var record VerificationRecord
	err := r.policy.Do(ctx, r.logger, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindDuplicatesByHash lists the user's other records for the same image.
func (r *VerificationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*VerificationRecord, error) {
	var records []*VerificationRecord
	err := r.policy.Do(ctx, r.logger, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics computes totals over all stored records.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.policy.Do(ctx, r.logger, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerificationRecord{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN is_real_person THEN 1 ELSE 0 END), 0) AS real_person_count,
				COALESCE(SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END), 0) AS failed_count,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
