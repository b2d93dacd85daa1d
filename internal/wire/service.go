package wire

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

const (
	ServiceName = "dstore.v1.ModelStore"

	StoreMetaMethod        = "/" + ServiceName + "/StoreMeta"
	GetCompositionMethod   = "/" + ServiceName + "/GetComposition"
	StoreLayersMethod      = "/" + ServiceName + "/StoreLayers"
	ReadLayersMethod       = "/" + ServiceName + "/ReadLayers"
	UpdateRefCounterMethod = "/" + ServiceName + "/UpdateRefCounter"
	GetPrefixMethod        = "/" + ServiceName + "/GetPrefix"
	ShutdownMethod         = "/" + ServiceName + "/Shutdown"
)

// ProviderHeader is the metadata key naming the provider id a call addresses.
// Servers accept calls that omit it.
const ProviderHeader = "dstore-provider"

type (
	StoreLayersServer = grpc.ClientStreamingServer[StoreLayersFrame, Ack]
	ReadLayersServer  = grpc.ServerStreamingServer[DataFrame]
	StoreLayersClient = grpc.ClientStreamingClient[StoreLayersFrame, Ack]
	ReadLayersClient  = grpc.ServerStreamingClient[DataFrame]
)

// ModelStoreServer is the server API of the model store service.
type ModelStoreServer interface {
	StoreMeta(context.Context, *StoreMetaRequest) (*Ack, error)
	GetComposition(context.Context, *CompositionRequest) (*CompositionReply, error)
	StoreLayers(StoreLayersServer) error
	ReadLayers(*ReadLayersRequest, ReadLayersServer) error
	UpdateRefCounter(context.Context, *RefRequest) (*Ack, error)
	GetPrefix(context.Context, *PrefixRequest) (*PrefixReply, error)
	Shutdown(context.Context, *ShutdownRequest) (*Ack, error)
}

func RegisterModelStoreServer(s grpc.ServiceRegistrar, srv ModelStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModelStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StoreMeta", Handler: unaryHandler(StoreMetaMethod, ModelStoreServer.StoreMeta)},
		{MethodName: "GetComposition", Handler: unaryHandler(GetCompositionMethod, ModelStoreServer.GetComposition)},
		{MethodName: "UpdateRefCounter", Handler: unaryHandler(UpdateRefCounterMethod, ModelStoreServer.UpdateRefCounter)},
		{MethodName: "GetPrefix", Handler: unaryHandler(GetPrefixMethod, ModelStoreServer.GetPrefix)},
		{MethodName: "Shutdown", Handler: unaryHandler(ShutdownMethod, ModelStoreServer.Shutdown)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StoreLayers", Handler: storeLayersHandler, ClientStreams: true},
		{StreamName: "ReadLayers", Handler: readLayersHandler, ServerStreams: true},
	},
	Metadata: "dstore/v1/modelstore",
}

func unaryHandler[Req, Res any](method string, call func(ModelStoreServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(ModelStoreServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

func storeLayersHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ModelStoreServer).StoreLayers(&grpc.GenericServerStream[StoreLayersFrame, Ack]{ServerStream: stream})
}

func readLayersHandler(srv any, stream grpc.ServerStream) error {
	in := new(ReadLayersRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ModelStoreServer).ReadLayers(in, &grpc.GenericServerStream[ReadLayersRequest, DataFrame]{ServerStream: stream})
}

// ModelStoreClient is the client stub. Every call is sent with the dstore
// content-subtype so that both ends pick the wire codec.
type ModelStoreClient struct {
	cc grpc.ClientConnInterface
}

func NewModelStoreClient(cc grpc.ClientConnInterface) *ModelStoreClient {
	return &ModelStoreClient{cc: cc}
}

func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *ModelStoreClient) StoreMeta(ctx context.Context, in *StoreMetaRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, StoreMetaMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelStoreClient) GetComposition(ctx context.Context, in *CompositionRequest, opts ...grpc.CallOption) (*CompositionReply, error) {
	out := new(CompositionReply)
	if err := c.cc.Invoke(ctx, GetCompositionMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelStoreClient) UpdateRefCounter(ctx context.Context, in *RefRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, UpdateRefCounterMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelStoreClient) GetPrefix(ctx context.Context, in *PrefixRequest, opts ...grpc.CallOption) (*PrefixReply, error) {
	out := new(PrefixReply)
	if err := c.cc.Invoke(ctx, GetPrefixMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelStoreClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, ShutdownMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelStoreClient) StoreLayers(ctx context.Context, opts ...grpc.CallOption) (StoreLayersClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StoreLayersMethod, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[StoreLayersFrame, Ack]{ClientStream: stream}, nil
}

func (c *ModelStoreClient) ReadLayers(ctx context.Context, in *ReadLayersRequest, opts ...grpc.CallOption) (ReadLayersClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], ReadLayersMethod, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[ReadLayersRequest, DataFrame]{ClientStream: stream}
	// io.EOF means the server already ended the stream; Recv reports why.
	if err := x.ClientStream.SendMsg(in); err != nil && err != io.EOF {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
