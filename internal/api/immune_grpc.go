package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.immune.v1.ImmuneEngine"

// Method names of the ImmuneEngine service.
const (
	MethodDetect                = "Detect"
	MethodRouteAndExecute       = "RouteAndExecute"
	MethodEscalate              = "Escalate"
	MethodQuarantine            = "Quarantine"
	MethodRelease               = "Release"
	MethodRecognizeThreat       = "RecognizeThreat"
	MethodPlaceMarker           = "PlaceMarker"
	MethodReadMarkers           = "ReadMarkers"
	MethodEvaluateRules         = "EvaluateRules"
	MethodEvaluateAgentFitness  = "EvaluateAgentFitness"
	MethodEvaluateSystemFitness = "EvaluateSystemFitness"
	MethodPerformSelection      = "PerformSelection"
	MethodBuildBaseline         = "BuildBaseline"
	MethodObserve               = "Observe"
)

// ImmuneEngineServer is the server API for the ImmuneEngine service.
// Requests and replies are google.protobuf.Struct documents.
type ImmuneEngineServer interface {
	Detect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RouteAndExecute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Escalate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Quarantine(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecognizeThreat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PlaceMarker(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadMarkers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateAgentFitness(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateSystemFitness(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PerformSelection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BuildBaseline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Observe(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedImmuneEngineServer returns Unimplemented for every method.
type UnimplementedImmuneEngineServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedImmuneEngineServer) Detect(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodDetect)
}
func (UnimplementedImmuneEngineServer) RouteAndExecute(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRouteAndExecute)
}
func (UnimplementedImmuneEngineServer) Escalate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodEscalate)
}
func (UnimplementedImmuneEngineServer) Quarantine(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodQuarantine)
}
func (UnimplementedImmuneEngineServer) Release(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRelease)
}
func (UnimplementedImmuneEngineServer) RecognizeThreat(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecognizeThreat)
}
func (UnimplementedImmuneEngineServer) PlaceMarker(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodPlaceMarker)
}
func (UnimplementedImmuneEngineServer) ReadMarkers(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodReadMarkers)
}
func (UnimplementedImmuneEngineServer) EvaluateRules(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodEvaluateRules)
}
func (UnimplementedImmuneEngineServer) EvaluateAgentFitness(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodEvaluateAgentFitness)
}
func (UnimplementedImmuneEngineServer) EvaluateSystemFitness(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodEvaluateSystemFitness)
}
func (UnimplementedImmuneEngineServer) PerformSelection(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodPerformSelection)
}
func (UnimplementedImmuneEngineServer) BuildBaseline(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodBuildBaseline)
}
func (UnimplementedImmuneEngineServer) Observe(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodObserve)
}

type unaryMethod func(ImmuneEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methodTable = []struct {
	name string
	call unaryMethod
}{
	{MethodDetect, ImmuneEngineServer.Detect},
	{MethodRouteAndExecute, ImmuneEngineServer.RouteAndExecute},
	{MethodEscalate, ImmuneEngineServer.Escalate},
	{MethodQuarantine, ImmuneEngineServer.Quarantine},
	{MethodRelease, ImmuneEngineServer.Release},
	{MethodRecognizeThreat, ImmuneEngineServer.RecognizeThreat},
	{MethodPlaceMarker, ImmuneEngineServer.PlaceMarker},
	{MethodReadMarkers, ImmuneEngineServer.ReadMarkers},
	{MethodEvaluateRules, ImmuneEngineServer.EvaluateRules},
	{MethodEvaluateAgentFitness, ImmuneEngineServer.EvaluateAgentFitness},
	{MethodEvaluateSystemFitness, ImmuneEngineServer.EvaluateSystemFitness},
	{MethodPerformSelection, ImmuneEngineServer.PerformSelection},
	{MethodBuildBaseline, ImmuneEngineServer.BuildBaseline},
	{MethodObserve, ImmuneEngineServer.Observe},
}

func unaryHandler(name string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ImmuneEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ImmuneEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ImmuneEngineServiceDesc describes the ImmuneEngine service for grpc.RegisterService.
var ImmuneEngineServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ImmuneEngineServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "mirador/immune/v1/immune.proto",
	}
	for _, m := range methodTable {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)})
	}
	return desc
}()

// RegisterImmuneEngineServer registers srv on s.
func RegisterImmuneEngineServer(s grpc.ServiceRegistrar, srv ImmuneEngineServer) {
	s.RegisterService(&ImmuneEngineServiceDesc, srv)
}

// ImmuneEngineClient calls ImmuneEngine methods over a client connection.
type ImmuneEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewImmuneEngineClient wraps cc.
func NewImmuneEngineClient(cc grpc.ClientConnInterface) *ImmuneEngineClient {
	return &ImmuneEngineClient{cc: cc}
}

// Call invokes method with in and returns the reply document.
func (c *ImmuneEngineClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
