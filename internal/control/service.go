// Package control exposes the node-management API over gRPC. Requests and
// responses are structpb.Struct values, so the service needs no generated
// code. Every call is marshaled onto the tick goroutine with Manager.Do.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/network"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "aseba.control.v1.NodeControl"

// Method names of the NodeControl service.
const (
	MethodCreateNode      = "CreateNode"
	MethodDestroyNode     = "DestroyNode"
	MethodDestroyAllNodes = "DestroyAllNodes"
	MethodDestroyNetwork  = "DestroyNetwork"
	MethodListNodes       = "ListNodes"
	MethodAddVariable     = "AddVariable"
	MethodAddEvent        = "AddEvent"
	MethodAddFunction     = "AddFunction"
	MethodGetVariable     = "GetVariable"
	MethodSetVariable     = "SetVariable"
	MethodEmitEvent       = "EmitEvent"
	MethodLoadScript      = "LoadScript"
	MethodSetStableID     = "SetStableID"
	MethodSetFriendlyName = "SetFriendlyName"
)

var methods = []string{
	MethodCreateNode, MethodDestroyNode, MethodDestroyAllNodes, MethodDestroyNetwork,
	MethodListNodes, MethodAddVariable, MethodAddEvent, MethodAddFunction,
	MethodGetVariable, MethodSetVariable, MethodEmitEvent, MethodLoadScript,
	MethodSetStableID, MethodSetFriendlyName,
}

// NodeControlServer is the handler type registered with ServiceDesc.
type NodeControlServer interface {
	Handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the NodeControl service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeControlServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "aseba/control/v1/control",
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, len(methods))
	for i, name := range methods {
		descs[i] = grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)}
	}
	return descs
}

func unaryHandler(method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(NodeControlServer).Handle(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(NodeControlServer).Handle(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterNodeControlServer registers srv on s.
func RegisterNodeControlServer(s grpc.ServiceRegistrar, srv NodeControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type handlerFunc func(ctx context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error)

// Server implements NodeControlServer on top of a network.Manager.
type Server struct {
	mgr         *network.Manager
	defaultPort int
	log         logging.Logger
	handlers    map[string]handlerFunc
}

// NewServer returns a server for mgr. Nodes created without a port go to
// defaultPort.
func NewServer(mgr *network.Manager, defaultPort int, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{mgr: mgr, defaultPort: defaultPort, log: log}
	s.handlers = map[string]handlerFunc{
		MethodCreateNode:      s.createNode,
		MethodDestroyNode:     destroyNode,
		MethodDestroyAllNodes: destroyAllNodes,
		MethodDestroyNetwork:  destroyNetwork,
		MethodListNodes:       listNodes,
		MethodAddVariable:     addVariable,
		MethodAddEvent:        addEvent,
		MethodAddFunction:     addFunction,
		MethodGetVariable:     getVariable,
		MethodSetVariable:     setVariable,
		MethodEmitEvent:       emitEvent,
		MethodLoadScript:      loadScript,
		MethodSetStableID:     setStableID,
		MethodSetFriendlyName: setFriendlyName,
	}
	return s
}

// Handle runs method on the tick goroutine and converts the outcome to a
// response or a gRPC status.
func (s *Server) Handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := s.handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	log := logging.FromContext(ctx, s.log)

	var out map[string]any
	err := s.mgr.Do(ctx, func(m *network.Manager) error {
		var err error
		out, err = fn(ctx, m, req)
		return err
	})
	if err != nil {
		log.Warn(ctx, "control request failed", logging.String("method", method), logging.Err(err))
		return nil, ToStatusError(err)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	log.Debug(ctx, "control request handled", logging.String("method", method))
	return resp, nil
}
