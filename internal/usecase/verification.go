package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/photo-verify/internal/backoff"
	"github.com/example/photo-verify/internal/facedetect"
	"github.com/example/photo-verify/internal/logging"
	"github.com/example/photo-verify/internal/repository"
	"github.com/example/photo-verify/internal/verification"
)

const (
	processingPrefix = "processing:"
	processingTTL    = time.Minute
	resultTTL        = 5 * time.Minute
)

// ErrStillProcessing is returned by GetResult while a verification is in flight.
var ErrStillProcessing = errors.New("verification still processing")

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveRecord(ctx context.Context, record *repository.VerificationRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationRecord, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VerificationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// VerificationUseCase runs photo verifications and serves their stored outcomes.
type VerificationUseCase struct {
	repo     VerificationRepository
	cache    Cache
	provider facedetect.Provider
	logger   *zap.Logger
	policy   backoff.Policy
	now      func() time.Time
}

type cachedVerification struct {
	RequestID string              `json:"request_id"`
	UserID    string              `json:"user_id"`
	Result    verification.Result `json:"result"`
	Hash      string              `json:"sha1_hash"`
	LatencyMs int64               `json:"latency_ms"`
	CreatedAt time.Time           `json:"created_at"`
}

// DuplicateReport lists earlier verifications of the same image by the same user.
type DuplicateReport struct {
	Request    *repository.VerificationRecord
	Duplicates []*repository.VerificationRecord
}

// NewVerificationUseCase constructs a new use case instance. The provider is
// owned by the caller and must outlive the use case.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, provider facedetect.Provider, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		repo:     repo,
		cache:    cache,
		provider: provider,
		logger:   logger.Named("verification_usecase"),
		policy:   backoff.DefaultPolicy,
		now:      time.Now,
	}
}

// VerifyPhoto runs the detector over the image and records the decision.
// Detector failures are part of the returned result; the error is reserved
// for cache and database failures.
func (uc *VerificationUseCase) VerifyPhoto(ctx context.Context, userID string, image []byte) (string, verification.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_photo", requestID)
	cacheKey := resultCacheKey(requestID)

	if err := uc.policy.Do(ctx, uc.logger, "cache.set.processing", requestID, func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker(userID), processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", verification.Result{}, err
	}

	started := uc.now()
	result := facedetect.Verify(ctx, uc.provider, image)
	latency := uc.now().Sub(started)
	if result.Failed() {
		opLogger.Info("verification rejected", zap.String("reason", result.ErrorMessage))
	}

	hash := sha1.Sum(image)
	record := &repository.VerificationRecord{
		RequestID: requestID,
		UserID:    userID,
		SHA1Hash:  hex.EncodeToString(hash[:]),
		LatencyMs: latency.Milliseconds(),
		CreatedAt: uc.now().UTC(),
	}
	record.SetResult(result)

	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist verification record", zap.Error(wrapped))
		uc.clearProcessing(ctx, opLogger, cacheKey)
		return "", verification.Result{}, wrapped
	}

	serialized, err := json.Marshal(cachedVerification{
		RequestID: requestID,
		UserID:    userID,
		Result:    result,
		Hash:      record.SHA1Hash,
		LatencyMs: record.LatencyMs,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		uc.clearProcessing(ctx, opLogger, cacheKey)
		return "", verification.Result{}, err
	}

	if err := uc.policy.Do(ctx, uc.logger, "cache.set.result", requestID, func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache verification result", zap.Error(err))
		uc.clearProcessing(ctx, opLogger, cacheKey)
		return "", verification.Result{}, err
	}

	opLogger.Info("photo verified",
		zap.Bool("is_real_person", result.IsRealPerson),
		zap.Int64("latency_ms", record.LatencyMs),
	)
	return requestID, result, nil
}

// clearProcessing drops the in-flight marker of a verification that will not complete.
func (uc *VerificationUseCase) clearProcessing(ctx context.Context, opLogger *zap.Logger, cacheKey string) {
	if err := uc.cache.Del(ctx, cacheKey); err != nil {
		opLogger.Warn("failed to clear processing flag", zap.Error(err))
	}
}

func processingMarker(userID string) string {
	return processingPrefix + userID
}

// GetResult returns a verification outcome, preferring the cache over the database.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	var cached string
	err := uc.policy.Do(ctx, uc.logger, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, resultCacheKey(requestID))
		cached = value
		return err
	})
	switch {
	case err == nil && strings.HasPrefix(cached, processingPrefix):
		if strings.TrimPrefix(cached, processingPrefix) == userID {
			return nil, ErrStillProcessing
		}
	case err == nil:
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
			break
		}
		// The cache is keyed by request only, so ownership is checked here.
		if payload.UserID != userID {
			break
		}
		record := &repository.VerificationRecord{
			RequestID: payload.RequestID,
			UserID:    payload.UserID,
			SHA1Hash:  payload.Hash,
			LatencyMs: payload.LatencyMs,
			CreatedAt: payload.CreatedAt,
		}
		record.SetResult(payload.Result)
		return record, nil
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport builds a duplicate detection report for a verification request.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	record, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, record.SHA1Hash, record.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    record,
		Duplicates: duplicates,
	}, nil
}
