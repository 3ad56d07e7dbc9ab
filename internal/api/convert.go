package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/securechat/internal/model"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toValue converts an event payload into a Value. Strings stay strings.
func toValue(v any) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return structpb.NewStringValue(fmt.Sprint(v))
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return structpb.NewStringValue(string(data))
	}
	return out
}

// FromStruct decodes a Struct into v using its JSON field names.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func field(req *structpb.Struct, key string) *structpb.Value {
	return req.GetFields()[key]
}

func stringField(req *structpb.Struct, key string) string {
	return field(req, key).GetStringValue()
}

func boolField(req *structpb.Struct, key string) bool {
	return field(req, key).GetBoolValue()
}

func stringsField(req *structpb.Struct, key string) []string {
	values := field(req, key).GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

func bytesField(req *structpb.Struct, key string) ([]byte, error) {
	raw := stringField(req, key)
	if raw == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s is not base64: %v", key, err)
	}
	return data, nil
}

func requireField(req *structpb.Struct, key string) (string, error) {
	v := stringField(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, model.ErrPersistence), errors.Is(err, model.ErrRealtimeUnavailable):
		code = codes.Unavailable
	case errors.Is(err, model.ErrAuth):
		code = codes.Unauthenticated
	case errors.Is(err, model.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrParticipant), errors.Is(err, model.ErrPermission):
		code = codes.PermissionDenied
	case errors.Is(err, model.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrEncryption), errors.Is(err, model.ErrStatusRegression), errors.Is(err, model.ErrKeyConflict):
		code = codes.FailedPrecondition
	}
	return grpcstatus.Error(code, err.Error())
}
