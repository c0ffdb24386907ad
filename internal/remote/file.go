package remote

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

// zstdMinSize is the smallest file ReadFile bothers to compress.
const zstdMinSize = 4 << 10

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// CompressZstd encodes a file payload for the wire.
func CompressZstd(data []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

// DecompressZstd decodes a payload produced by CompressZstd.
func DecompressZstd(data []byte) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data, nil)
}

func (s *service) Mkdir(ctx context.Context, req *MkdirRequest) (*emptypb.Empty, error) {
	if len(req.Paths) == 0 {
		return nil, status.Error(codes.InvalidArgument, "paths are required")
	}
	for _, p := range req.Paths {
		if strings.TrimSpace(p) == "" {
			return nil, status.Error(codes.InvalidArgument, "path is required")
		}
	}
	if err := s.sb.Mkdir(ctx, req.Paths, req.Parents); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) WriteFile(ctx context.Context, req *WriteFileRequest) (*emptypb.Empty, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	data := req.Data
	switch req.Encoding {
	case "":
	case EncodingZstd:
		decoded, err := DecompressZstd(data)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "decode zstd payload: "+err.Error())
		}
		data = decoded
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported encoding %q", req.Encoding)
	}
	if err := s.sb.WriteFile(ctx, req.Path, data); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("file written", "file", req.Path, "bytes", len(data))
	return &emptypb.Empty{}, nil
}

func (s *service) ReadFile(ctx context.Context, req *ReadFileRequest) (*ReadFileResponse, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	data, err := s.sb.ReadFile(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.AcceptEncoding == EncodingZstd && len(data) >= zstdMinSize {
		compressed, err := CompressZstd(data)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &ReadFileResponse{Data: compressed, Encoding: EncodingZstd}, nil
	}
	return &ReadFileResponse{Data: data}, nil
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sandbox.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, sandbox.ErrPathEscapes), errors.Is(err, os.ErrPermission):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, os.ErrExist):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, sandbox.ErrNoTerminal), errors.Is(err, sandbox.ErrNoStream):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
