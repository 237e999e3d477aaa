package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "indy.v1.Inspector"

// InspectorServer is the server API of the inspection service. Every
// message is a well-known protobuf type, so no generated code is needed.
type InspectorServer interface {
	// Stats returns the linker counters.
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListInstructions lists call instructions, optionally of one caller.
	ListInstructions(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	// Link links the instruction with the given id.
	Link(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Describe parses a descriptor and describes the signature.
	Describe(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Demangle splits a mangled call-site name.
	Demangle(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	// Snapshot returns the canonical linker snapshot.
	Snapshot(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	// Sweep runs the registry collector once.
	Sweep(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Journal lists recorded link events, optionally of one caller.
	Journal(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

// unary builds a grpc.MethodHandler for one method.
func unary[Req any](method string, newReq func() Req, call func(InspectorServer, context.Context, Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(InspectorServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

// InspectorServiceDesc describes the inspection service for grpc.Server.
var InspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Stats",
			Handler: unary("Stats", newEmpty, func(s InspectorServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Stats(ctx, in)
			}),
		},
		{
			MethodName: "ListInstructions",
			Handler: unary("ListInstructions", newString, func(s InspectorServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.ListInstructions(ctx, in)
			}),
		},
		{
			MethodName: "Link",
			Handler: unary("Link", newString, func(s InspectorServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Link(ctx, in)
			}),
		},
		{
			MethodName: "Describe",
			Handler: unary("Describe", newString, func(s InspectorServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Describe(ctx, in)
			}),
		},
		{
			MethodName: "Demangle",
			Handler: unary("Demangle", newString, func(s InspectorServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Demangle(ctx, in)
			}),
		},
		{
			MethodName: "Snapshot",
			Handler: unary("Snapshot", newEmpty, func(s InspectorServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Snapshot(ctx, in)
			}),
		},
		{
			MethodName: "Sweep",
			Handler: unary("Sweep", newEmpty, func(s InspectorServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Sweep(ctx, in)
			}),
		},
		{
			MethodName: "Journal",
			Handler: unary("Journal", newString, func(s InspectorServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Journal(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "indy/v1/inspector.proto",
}

// RegisterInspectorServer registers srv with s.
func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&InspectorServiceDesc, srv)
}

// Client calls the inspection service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Stats", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListInstructions(ctx context.Context, caller string, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListInstructions", wrapperspb.String(caller), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Link(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Link", wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Describe(ctx context.Context, descriptor string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Describe", wrapperspb.String(descriptor), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Demangle(ctx context.Context, name string, opts ...grpc.CallOption) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "Demangle", wrapperspb.String(name), out, opts...); err != nil {
		return nil, err
	}
	parts := make([]string, len(out.Values))
	for i, v := range out.Values {
		parts[i] = v.GetStringValue()
	}
	return parts, nil
}

// Snapshot returns the encoded snapshot; decode it with wire.Unmarshal.
func (c *Client) Snapshot(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, "Snapshot", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) Sweep(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Sweep", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Journal(ctx context.Context, caller string, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "Journal", wrapperspb.String(caller), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
