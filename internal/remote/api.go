package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "runbox.sandbox.v1.Sandbox"

const (
	MkdirMethod     = "/" + ServiceName + "/Mkdir"
	WriteFileMethod = "/" + ServiceName + "/WriteFile"
	ReadFileMethod  = "/" + ServiceName + "/ReadFile"
	ExecMethod      = "/" + ServiceName + "/Exec"
)

// EncodingZstd marks a zstd-compressed file payload.
const EncodingZstd = "zstd"

type MkdirRequest struct {
	Paths   []string `json:"paths"`
	Parents bool     `json:"parents,omitempty"`
}

type WriteFileRequest struct {
	Path     string `json:"path"`
	Data     []byte `json:"data,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type ReadFileRequest struct {
	Path           string `json:"path"`
	AcceptEncoding string `json:"acceptEncoding,omitempty"`
}

type ReadFileResponse struct {
	Data     []byte `json:"data,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// ExecClientFrame is one client message on the Exec stream. Exactly one field
// is set; the first frame must be Start.
type ExecClientFrame struct {
	Start  *ExecStart  `json:"start,omitempty"`
	Input  *ExecInput  `json:"input,omitempty"`
	Resize *ExecResize `json:"resize,omitempty"`
	Kill   *ExecKill   `json:"kill,omitempty"`
}

type ExecStart struct {
	Name    string              `json:"name"`
	Args    []string            `json:"args,omitempty"`
	Options sandbox.ExecOptions `json:"options"`
}

// ExecInput writes to fd 0 (stdin) or a side-channel (fd 3+i). EOF closes it.
type ExecInput struct {
	FD   int    `json:"fd"`
	Data []byte `json:"data,omitempty"`
	EOF  bool   `json:"eof,omitempty"`
}

type ExecResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ExecKill struct {
	Signal string `json:"signal,omitempty"`
}

// ExecServerFrame is one server message on the Exec stream.
type ExecServerFrame struct {
	Started *ExecStarted        `json:"started,omitempty"`
	Output  *ExecOutput         `json:"output,omitempty"`
	Exit    *sandbox.ExitStatus `json:"exit,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type ExecStarted struct {
	ID string `json:"id"`
}

// ExecOutput carries one chunk read from fd 1, 2 or 3+i. EOF marks the end of that fd.
type ExecOutput struct {
	FD   int    `json:"fd"`
	Data []byte `json:"data,omitempty"`
	EOF  bool   `json:"eof,omitempty"`
}

// SandboxServer is the server API of the sandbox service.
type SandboxServer interface {
	Mkdir(context.Context, *MkdirRequest) (*emptypb.Empty, error)
	WriteFile(context.Context, *WriteFileRequest) (*emptypb.Empty, error)
	ReadFile(context.Context, *ReadFileRequest) (*ReadFileResponse, error)
	Exec(ExecServerStream) error
}

// ExecServerStream is the server side of an Exec call.
type ExecServerStream interface {
	Send(*ExecServerFrame) error
	Recv() (*ExecClientFrame, error)
	grpc.ServerStream
}

type execServerStream struct {
	grpc.ServerStream
}

func (x *execServerStream) Send(m *ExecServerFrame) error { return x.ServerStream.SendMsg(m) }

func (x *execServerStream) Recv() (*ExecClientFrame, error) {
	m := new(ExecClientFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterSandboxServer registers srv on s.
func RegisterSandboxServer(s grpc.ServiceRegistrar, srv SandboxServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the sandbox service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SandboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Mkdir", Handler: mkdirHandler},
		{MethodName: "WriteFile", Handler: writeFileHandler},
		{MethodName: "ReadFile", Handler: readFileHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exec",
			Handler:       execHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "runbox/sandbox/v1/sandbox.json",
}

// ExecStreamDesc is the client-side descriptor for NewStream.
var ExecStreamDesc = grpc.StreamDesc{
	StreamName:    "Exec",
	ServerStreams: true,
	ClientStreams: true,
}

func mkdirHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MkdirRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SandboxServer).Mkdir(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MkdirMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SandboxServer).Mkdir(ctx, req.(*MkdirRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func writeFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteFileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SandboxServer).WriteFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WriteFileMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SandboxServer).WriteFile(ctx, req.(*WriteFileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadFileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SandboxServer).ReadFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReadFileMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SandboxServer).ReadFile(ctx, req.(*ReadFileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func execHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SandboxServer).Exec(&execServerStream{stream})
}
