package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/photo-verify/internal/auth"
	"github.com/example/photo-verify/internal/logging"
	"github.com/example/photo-verify/internal/repository"
	"github.com/example/photo-verify/internal/usecase"
	"github.com/example/photo-verify/internal/verification"
)

const testJWTSecret = "test-secret"

type stubService struct {
	result      verification.Result
	verifyErr   error
	verifyCalls int
	verifyUser  string
	record      *repository.VerificationRecord
	lookupErr   error
	report      *usecase.DuplicateReport
	summary     *usecase.MetricsSummary
}

func (s *stubService) VerifyPhoto(ctx context.Context, userID string, image []byte) (string, verification.Result, error) {
	s.verifyCalls++
	s.verifyUser = userID
	if s.verifyErr != nil {
		return "", verification.Result{}, s.verifyErr
	}
	return "req-1", s.result, nil
}

func (s *stubService) GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationRecord, error) {
	return s.record, s.lookupErr
}

func (s *stubService) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	return s.report, s.lookupErr
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return s.summary, nil
}

func newTestRouter(svc VerificationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), Options{MaxImageDimension: 64, MaxImagePixels: 10_000})
	return router
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func postImage(t *testing.T, router *gin.Engine, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)

	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestVerifyRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	resp := postImage(t, newTestRouter(svc), "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.verifyCalls != 0 {
		t.Fatal("expected oversized upload to be rejected before verification")
	}
}

func TestVerifyRejectsUnsupportedContentType(t *testing.T) {
	resp := postImage(t, newTestRouter(&stubService{}), "text/plain", []byte("hello"))

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestVerifyRejectsUndecodableImage(t *testing.T) {
	resp := postImage(t, newTestRouter(&stubService{}), "image/png", []byte("not a png"))

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestVerifyRejectsOversizedRaster(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 200, 100))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	svc := &stubService{}

	resp := postImage(t, newTestRouter(svc), "image/png", buf.Bytes())
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if svc.verifyCalls != 0 {
		t.Fatal("expected oversized raster to be rejected before verification")
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	body, formType := buildMultipartBody(t, "image/png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", formType)

	resp := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestVerifyReturnsDecision(t *testing.T) {
	female := verification.GenderFemale
	svc := &stubService{result: verification.Result{IsRealPerson: true, Gender: &female}}

	resp := postImage(t, newTestRouter(svc), "image/png", pngBytes(t))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.verifyUser != "user-123" {
		t.Fatalf("expected token subject to be passed, got %q", svc.verifyUser)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["request_id"] != "req-1" || body["is_real_person"] != true || body["gender"] != "FEMALE" {
		t.Fatalf("unexpected body: %v", body)
	}
	if v, ok := body["error_message"]; !ok || v != nil {
		t.Fatalf("expected explicit null error_message, got %v", body)
	}
}

func TestVerifyReturnsNoFaceAsSuccess(t *testing.T) {
	svc := &stubService{result: verification.Decide(nil)}

	resp := postImage(t, newTestRouter(svc), "image/png", pngBytes(t))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["error_message"] != "No face detected." || body["gender"] != nil || body["is_real_person"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestVerifyInfrastructureFailure(t *testing.T) {
	svc := &stubService{verifyErr: logging.NewOperationError("usecase.save_record", "req", fmt.Errorf("db down"))}

	resp := postImage(t, newTestRouter(svc), "image/png", pngBytes(t))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func getWithToken(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestResultStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", logging.NewOperationError("repository.find_by_request", "x", repository.ErrNotFound), http.StatusNotFound},
		{"processing", usecase.ErrStillProcessing, http.StatusAccepted},
		{"other", fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := getWithToken(t, newTestRouter(&stubService{lookupErr: tt.err}), "/result/x")
			if resp.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.Code)
			}
		})
	}
}

func TestResultRendersRecord(t *testing.T) {
	gender := "MALE"
	svc := &stubService{record: &repository.VerificationRecord{
		RequestID: "req-7",
		UserID:    "user-123",
		Gender:    &gender,
		SHA1Hash:  "abc",
		LatencyMs: 42,
	}}

	resp := getWithToken(t, newTestRouter(svc), "/result/req-7")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["request_id"] != "req-7" || body["gender"] != "MALE" || body["latency_ms"] != float64(42) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestDuplicatesRendersReport(t *testing.T) {
	svc := &stubService{report: &usecase.DuplicateReport{
		Request:    &repository.VerificationRecord{RequestID: "req"},
		Duplicates: []*repository.VerificationRecord{{RequestID: "older"}},
	}}

	resp := getWithToken(t, newTestRouter(svc), "/result/req/duplicates")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Request    map[string]interface{}   `json:"request"`
		Duplicates []map[string]interface{} `json:"duplicates"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Request["request_id"] != "req" || len(body.Duplicates) != 1 || body.Duplicates[0]["request_id"] != "older" {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	svc := &stubService{summary: &usecase.MetricsSummary{TotalRequests: 3}}

	resp := getWithToken(t, newTestRouter(svc), "/metrics")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte(`"total_requests":3`)) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
