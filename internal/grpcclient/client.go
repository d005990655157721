package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/photo-verify/internal/facedetect"
	"github.com/example/photo-verify/internal/logging"
	"github.com/example/photo-verify/internal/verification"
)

// DetectFacesMethod is the unary RPC exposed by the face detector.
const DetectFacesMethod = "/facedetection.v1.FaceDetector/DetectFaces"

const (
	fieldFaces        = "faces"
	fieldLeftEyeOpen  = "leftEyeOpenProbability"
	fieldRightEyeOpen = "rightEyeOpenProbability"
	fieldSmiling      = "smilingProbability"
)

// DialFaceDetector connects to the detector service. The caller owns the
// returned connection and must close it on shutdown.
func DialFaceDetector(ctx context.Context, addr string, logger *zap.Logger) (*FaceDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_detector", "", err)
		logger.Error("failed to dial face detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewFaceDetector(conn, logger), conn, nil
}

// FaceDetector is a facedetect.Provider backed by a gRPC connection.
type FaceDetector struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

var _ facedetect.Provider = (*FaceDetector)(nil)

// NewFaceDetector wraps an existing connection.
func NewFaceDetector(conn grpc.ClientConnInterface, logger *zap.Logger) *FaceDetector {
	return &FaceDetector{conn: conn, logger: logger.Named("face_detector")}
}

// DetectFaces sends the encoded image and converts the reported faces.
func (d *FaceDetector) DetectFaces(ctx context.Context, image []byte) ([]verification.FaceAttributes, error) {
	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, DetectFacesMethod, wrapperspb.Bytes(image), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_faces", "", err)
		d.logger.Error("face detector call failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, wrapped
	}

	faces, err := decodeFaces(resp)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.decode_faces", "", err)
		d.logger.Warn("malformed face detector response", zap.Error(wrapped))
		return nil, wrapped
	}
	d.logger.Debug("faces detected", zap.Int("count", len(faces)))
	return faces, nil
}

func decodeFaces(resp *structpb.Struct) ([]verification.FaceAttributes, error) {
	raw, ok := resp.GetFields()[fieldFaces]
	if !ok {
		return nil, nil
	}
	if _, isNull := raw.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%q is not a list", fieldFaces)
	}

	faces := make([]verification.FaceAttributes, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		record := item.GetStructValue()
		if record == nil {
			return nil, fmt.Errorf("face %d is not an object", i)
		}
		face, err := decodeFace(record)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func decodeFace(record *structpb.Struct) (verification.FaceAttributes, error) {
	var (
		face verification.FaceAttributes
		err  error
	)
	if face.LeftEyeOpen, err = probabilityField(record, fieldLeftEyeOpen); err != nil {
		return face, err
	}
	if face.RightEyeOpen, err = probabilityField(record, fieldRightEyeOpen); err != nil {
		return face, err
	}
	if face.Smiling, err = probabilityField(record, fieldSmiling); err != nil {
		return face, err
	}
	return face, nil
}

// probabilityField treats a missing or null field as unavailable.
func probabilityField(record *structpb.Struct, name string) (verification.Probability, error) {
	value, ok := record.GetFields()[name]
	if !ok {
		return verification.Unavailable(), nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NullValue:
		return verification.Unavailable(), nil
	case *structpb.Value_NumberValue:
		return facedetect.ParseProbability(name, kind.NumberValue)
	default:
		return verification.Unavailable(), fmt.Errorf("%s: expected number, got %T", name, kind)
	}
}
