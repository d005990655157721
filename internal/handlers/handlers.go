package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/photo-verify/internal/auth"
	"github.com/example/photo-verify/internal/imageprep"
	"github.com/example/photo-verify/internal/repository"
	"github.com/example/photo-verify/internal/usecase"
	"github.com/example/photo-verify/internal/verification"
)

// MaxUploadSize is the largest accepted image upload in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers.
const multipartOverhead = 64 << 10

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// VerificationService is what the HTTP layer needs from the use case.
type VerificationService interface {
	VerifyPhoto(ctx context.Context, userID string, image []byte) (string, verification.Result, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationRecord, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options tune request handling.
type Options struct {
	// MaxImageDimension bounds the longest side sent to the detector; 0 disables scaling.
	MaxImageDimension int
	// MaxImagePixels rejects uploads whose declared raster is larger; 0 uses imageprep.DefaultMaxPixels.
	MaxImagePixels int
}

type handler struct {
	svc  VerificationService
	opts Options
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc VerificationService, authMiddleware gin.HandlerFunc, opts Options) {
	h := &handler{svc: svc, opts: opts}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", authMiddleware)
	authed.POST("/verify", h.verify)
	authed.GET("/result/:id", h.result)
	authed.GET("/result/:id/duplicates", h.duplicates)
	authed.GET("/metrics", h.metrics)
}

func (h *handler) verify(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
	if err != nil || !allowedContentTypes[mediaType] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	img, err := imageprep.Prepare(data, h.opts.MaxImageDimension, h.opts.MaxImagePixels)
	if err != nil {
		if errors.Is(err, imageprep.ErrUnsupportedFormat) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image could not be decoded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare image"})
		return
	}

	requestID, result, err := h.svc.VerifyPhoto(c.Request.Context(), userID, img.Data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification could not be recorded"})
		return
	}

	c.JSON(http.StatusOK, verifyResponse{RequestID: requestID, Result: result})
}

func (h *handler) result(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	record, err := h.svc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordResponse(record))
}

func (h *handler) duplicates(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	report, err := h.svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}

	duplicates := make([]recordResponse, 0, len(report.Duplicates))
	for _, d := range report.Duplicates {
		duplicates = append(duplicates, newRecordResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"request":    newRecordResponse(report.Request),
		"duplicates": duplicates,
	})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func respondLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrStillProcessing):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
	}
}

type verifyResponse struct {
	RequestID string
	Result    verification.Result
}

// MarshalJSON flattens the result next to the request ID.
func (r verifyResponse) MarshalJSON() ([]byte, error) {
	return marshalFlat(map[string]interface{}{"request_id": r.RequestID}, r.Result)
}

type recordResponse struct {
	RequestID string
	UserID    string
	SHA1Hash  string
	LatencyMs int64
	CreatedAt time.Time
	Result    verification.Result
}

func newRecordResponse(record *repository.VerificationRecord) recordResponse {
	return recordResponse{
		RequestID: record.RequestID,
		UserID:    record.UserID,
		SHA1Hash:  record.SHA1Hash,
		LatencyMs: record.LatencyMs,
		CreatedAt: record.CreatedAt,
		Result:    record.Result(),
	}
}

// MarshalJSON flattens the stored result next to the record metadata.
func (r recordResponse) MarshalJSON() ([]byte, error) {
	return marshalFlat(map[string]interface{}{
		"request_id": r.RequestID,
		"user_id":    r.UserID,
		"sha1_hash":  r.SHA1Hash,
		"latency_ms": r.LatencyMs,
		"created_at": r.CreatedAt,
	}, r.Result)
}

// marshalFlat merges the JSON fields of res into fields.
func marshalFlat(fields map[string]interface{}, res verification.Result) ([]byte, error) {
	encoded, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var resultFields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &resultFields); err != nil {
		return nil, err
	}
	for k, v := range resultFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// RequestLogger logs one line per request through zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
