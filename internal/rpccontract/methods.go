package rpccontract

const (
	ServiceName = "personaliz.v1.AgentHub"
	TokenHeader = "x-personaliz-token"
)

const (
	MethodGetHealth                   = "/" + ServiceName + "/GetHealth"
	MethodCreateAgent                 = "/" + ServiceName + "/CreateAgent"
	MethodListAgents                  = "/" + ServiceName + "/ListAgents"
	MethodGetAgentByName              = "/" + ServiceName + "/GetAgentByName"
	MethodUpdateAgent                 = "/" + ServiceName + "/UpdateAgent"
	MethodDeleteAgent                 = "/" + ServiceName + "/DeleteAgent"
	MethodLogAgentEvent               = "/" + ServiceName + "/LogAgentEvent"
	MethodListAgentLogs               = "/" + ServiceName + "/ListAgentLogs"
	MethodRunAgent                    = "/" + ServiceName + "/RunAgent"
	MethodCreateEventHandler          = "/" + ServiceName + "/CreateEventHandler"
	MethodListEventHandlers           = "/" + ServiceName + "/ListEventHandlers"
	MethodListAllEventHandlers        = "/" + ServiceName + "/ListAllEventHandlers"
	MethodSetEventHandlerActive       = "/" + ServiceName + "/SetEventHandlerActive"
	MethodUpdateEventHandlerLastCheck = "/" + ServiceName + "/UpdateEventHandlerLastCheck"
	MethodDeleteEventHandler          = "/" + ServiceName + "/DeleteEventHandler"
	MethodStartPoller                 = "/" + ServiceName + "/StartPoller"
	MethodStopPoller                  = "/" + ServiceName + "/StopPoller"
	MethodGetPollerStatus             = "/" + ServiceName + "/GetPollerStatus"
	MethodGetSettings                 = "/" + ServiceName + "/GetSettings"
	MethodSaveSettings                = "/" + ServiceName + "/SaveSettings"
	MethodListKVSettings              = "/" + ServiceName + "/ListKVSettings"
	MethodPutKVSetting                = "/" + ServiceName + "/PutKVSetting"
	MethodGetKVSetting                = "/" + ServiceName + "/GetKVSetting"
)

// WriteMethods require the shared token when one is configured.
var WriteMethods = map[string]struct{}{
	MethodCreateAgent:                 {},
	MethodUpdateAgent:                 {},
	MethodDeleteAgent:                 {},
	MethodLogAgentEvent:               {},
	MethodRunAgent:                    {},
	MethodCreateEventHandler:          {},
	MethodSetEventHandlerActive:       {},
	MethodUpdateEventHandlerLastCheck: {},
	MethodDeleteEventHandler:          {},
	MethodStartPoller:                 {},
	MethodStopPoller:                  {},
	MethodSaveSettings:                {},
	MethodPutKVSetting:                {},
}

// FullMethod builds the gRPC path for a bare method name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
