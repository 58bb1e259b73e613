package grpcx

import (
	"context"
	"encoding/json"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/rpccontract"
	"github.com/bcrosbie/personaliz/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type HubRPCServer interface {
	GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)

	CreateAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAgents(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetAgentByName(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LogAgentEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAgentLogs(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	RunAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)

	CreateEventHandler(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEventHandlers(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListAllEventHandlers(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	SetEventHandlerActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateEventHandlerLastCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteEventHandler(context.Context, *structpb.Struct) (*structpb.Struct, error)

	StartPoller(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StopPoller(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPollerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)

	GetSettings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveSettings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListKVSettings(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	PutKVSetting(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetKVSetting(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type ServerOptions struct {
	AuthToken        string
	EnableReflection bool
	Logger           *zap.Logger
}

// NewServer builds a gRPC server with the hub service, the standard health
// service, and the interceptor chain registered.
func NewServer(hub *service.HubService, opts ServerOptions) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "grpc"))

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			LoggingUnaryInterceptor(logger),
			AuthUnaryInterceptor(opts.AuthToken),
			ErrorUnaryInterceptor(),
		),
	)
	RegisterHubServer(server, NewHubHandler(hub))

	healthService := health.NewServer()
	healthService.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthService.SetServingStatus(rpccontract.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthService)

	if opts.EnableReflection {
		reflection.Register(server)
	}
	return server
}

type HubHandler struct {
	hub *service.HubService
}

func NewHubHandler(hub *service.HubService) *HubHandler {
	return &HubHandler{hub: hub}
}

func RegisterHubServer(server *grpc.Server, handler HubRPCServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: rpccontract.ServiceName,
		HandlerType: (*HubRPCServer)(nil),
		Methods: []grpc.MethodDesc{
			emptyMethod("GetHealth", HubRPCServer.GetHealth),
			structMethod("CreateAgent", HubRPCServer.CreateAgent),
			emptyMethod("ListAgents", HubRPCServer.ListAgents),
			structMethod("GetAgentByName", HubRPCServer.GetAgentByName),
			structMethod("UpdateAgent", HubRPCServer.UpdateAgent),
			structMethod("DeleteAgent", HubRPCServer.DeleteAgent),
			structMethod("LogAgentEvent", HubRPCServer.LogAgentEvent),
			structMethod("ListAgentLogs", HubRPCServer.ListAgentLogs),
			structMethod("RunAgent", HubRPCServer.RunAgent),
			structMethod("CreateEventHandler", HubRPCServer.CreateEventHandler),
			emptyMethod("ListEventHandlers", HubRPCServer.ListEventHandlers),
			emptyMethod("ListAllEventHandlers", HubRPCServer.ListAllEventHandlers),
			structMethod("SetEventHandlerActive", HubRPCServer.SetEventHandlerActive),
			structMethod("UpdateEventHandlerLastCheck", HubRPCServer.UpdateEventHandlerLastCheck),
			structMethod("DeleteEventHandler", HubRPCServer.DeleteEventHandler),
			emptyMethod("StartPoller", HubRPCServer.StartPoller),
			emptyMethod("StopPoller", HubRPCServer.StopPoller),
			emptyMethod("GetPollerStatus", HubRPCServer.GetPollerStatus),
			structMethod("GetSettings", HubRPCServer.GetSettings),
			structMethod("SaveSettings", HubRPCServer.SaveSettings),
			emptyMethod("ListKVSettings", HubRPCServer.ListKVSettings),
			structMethod("PutKVSetting", HubRPCServer.PutKVSetting),
			structMethod("GetKVSetting", HubRPCServer.GetKVSetting),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "proto/personaliz/v1/hub.proto",
	}, handler)
}

func (h *HubHandler) GetHealth(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.hub.Health(ctx))
}

func (h *HubHandler) CreateAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.CreateAgentRequest](request)
	if err != nil {
		return nil, err
	}
	created, err := h.hub.CreateAgent(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(created)
}

func (h *HubHandler) ListAgents(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	agents, err := h.hub.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return toList(agents)
}

func (h *HubHandler) GetAgentByName(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.AgentNameRequest](request)
	if err != nil {
		return nil, err
	}
	agent, err := h.hub.GetAgentByName(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(agent)
}

func (h *HubHandler) UpdateAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.UpdateAgentRequest](request)
	if err != nil {
		return nil, err
	}
	updated, err := h.hub.UpdateAgent(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(updated)
}

func (h *HubHandler) DeleteAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.AgentIDRequest](request)
	if err != nil {
		return nil, err
	}
	if err := h.hub.DeleteAgent(ctx, decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *HubHandler) LogAgentEvent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.LogAgentEventRequest](request)
	if err != nil {
		return nil, err
	}
	logged, err := h.hub.LogAgentEvent(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(logged)
}

func (h *HubHandler) ListAgentLogs(ctx context.Context, request *structpb.Struct) (*structpb.ListValue, error) {
	decoded, err := decodeStruct[service.ListAgentLogsRequest](request)
	if err != nil {
		return nil, err
	}
	logs, err := h.hub.ListAgentLogs(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toList(logs)
}

func (h *HubHandler) RunAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.AgentNameRequest](request)
	if err != nil {
		return nil, err
	}
	outcome, err := h.hub.RunAgent(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(outcome)
}

func (h *HubHandler) CreateEventHandler(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.CreateEventHandlerRequest](request)
	if err != nil {
		return nil, err
	}
	created, err := h.hub.CreateEventHandler(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(created)
}

func (h *HubHandler) ListEventHandlers(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	handlers, err := h.hub.ListEventHandlers(ctx)
	if err != nil {
		return nil, err
	}
	return toList(handlers)
}

func (h *HubHandler) ListAllEventHandlers(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	handlers, err := h.hub.ListAllEventHandlers(ctx)
	if err != nil {
		return nil, err
	}
	return toList(handlers)
}

func (h *HubHandler) SetEventHandlerActive(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.SetHandlerActiveRequest](request)
	if err != nil {
		return nil, err
	}
	if err := h.hub.SetEventHandlerActive(ctx, decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *HubHandler) UpdateEventHandlerLastCheck(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.HandlerIDRequest](request)
	if err != nil {
		return nil, err
	}
	updated, err := h.hub.UpdateEventHandlerLastCheck(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"updated": updated})
}

func (h *HubHandler) DeleteEventHandler(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.HandlerIDRequest](request)
	if err != nil {
		return nil, err
	}
	if err := h.hub.DeleteEventHandler(ctx, decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *HubHandler) StartPoller(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.hub.StartPoller()
	if err != nil {
		return nil, err
	}
	return toStruct(status)
}

func (h *HubHandler) StopPoller(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.hub.StopPoller()
	if err != nil {
		return nil, err
	}
	return toStruct(status)
}

func (h *HubHandler) GetPollerStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.hub.PollerStatus())
}

// GetSettings only honors reveal for callers that passed the token check.
func (h *HubHandler) GetSettings(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.LoadSettingsRequest](request)
	if err != nil {
		return nil, err
	}
	if decoded.Reveal && !authorized(ctx) {
		return nil, domain.Unauthenticated("revealing the api key requires the auth token")
	}
	doc, err := h.hub.LoadSettings(decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(doc)
}

func (h *HubHandler) SaveSettings(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[domain.Settings](request)
	if err != nil {
		return nil, err
	}
	saved, err := h.hub.SaveSettings(decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(saved)
}

func (h *HubHandler) ListKVSettings(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	items, err := h.hub.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	return toList(items)
}

type kvRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *HubHandler) PutKVSetting(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[kvRequest](request)
	if err != nil {
		return nil, err
	}
	setting, err := h.hub.PutSetting(ctx, decoded.Key, decoded.Value)
	if err != nil {
		return nil, err
	}
	return toStruct(setting)
}

func (h *HubHandler) GetKVSetting(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[kvRequest](request)
	if err != nil {
		return nil, err
	}
	setting, err := h.hub.GetSetting(ctx, decoded.Key)
	if err != nil {
		return nil, err
	}
	return toStruct(setting)
}

func toStruct(value any) (*structpb.Struct, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response", err)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response object", err)
	}
	result, err := structpb.NewStruct(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf struct", err)
	}
	return result, nil
}

func toList(value any) (*structpb.ListValue, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response list", err)
	}

	// nil slices marshal as null; clients expect an empty list.
	decoded := []any{}
	if string(serialized) != "null" {
		if err := json.Unmarshal(serialized, &decoded); err != nil {
			return nil, domain.Internal("failed to shape response list", err)
		}
	}
	result, err := structpb.NewList(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf list", err)
	}
	return result, nil
}

func decodeStruct[T any](input *structpb.Struct) (T, error) {
	var out T
	if input == nil {
		return out, nil
	}
	serialized, err := json.Marshal(input.AsMap())
	if err != nil {
		return out, domain.InvalidArgument("request payload could not be encoded")
	}
	if err := json.Unmarshal(serialized, &out); err != nil {
		return out, domain.InvalidArgument("request payload shape is invalid")
	}
	return out, nil
}

func structMethod[R any](name string, call func(HubRPCServer, context.Context, *structpb.Struct) (R, error)) grpc.MethodDesc {
	fullMethod := rpccontract.FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decoder func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decoder(request); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HubRPCServer), ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(HubRPCServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, request, info, handler)
		},
	}
}

func emptyMethod[R any](name string, call func(HubRPCServer, context.Context, *emptypb.Empty) (R, error)) grpc.MethodDesc {
	fullMethod := rpccontract.FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decoder func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(emptypb.Empty)
			if err := decoder(request); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HubRPCServer), ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(HubRPCServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, request, info, handler)
		},
	}
}
