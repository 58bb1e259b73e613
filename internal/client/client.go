package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/rpccontract"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DefaultAddr           = "127.0.0.1:50061"
	DefaultRequestTimeout = 10 * time.Second
	DefaultRetryAttempts  = 3
)

type Options struct {
	Addr           string
	Token          string
	Insecure       bool
	RequestTimeout time.Duration
	// RetryAttempts applies to read methods only; writes are sent once.
	RetryAttempts int
	DialOptions   []grpc.DialOption
}

// Client talks to the hub over gRPC and returns decoded JSON shapes.
type Client struct {
	conn          *grpc.ClientConn
	token         string
	requestTO     time.Duration
	retryAttempts int
}

func New(opts Options) (*Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	cred := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	if opts.Insecure || isLoopback(addr) {
		cred = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	dialOptions := append([]grpc.DialOption{
		cred,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                25 * time.Second,
			Timeout:             6 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts.DialOptions...)
	conn, err := grpc.NewClient(addr, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.Connect()

	requestTO := opts.RequestTimeout
	if requestTO <= 0 {
		requestTO = DefaultRequestTimeout
	}
	retryAttempts := opts.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = DefaultRetryAttempts
	}
	return &Client{
		conn:          conn,
		token:         strings.TrimSpace(opts.Token),
		requestTO:     requestTO,
		retryAttempts: retryAttempts,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodGetHealth, nil)
}

func (c *Client) ListAgents(ctx context.Context) ([]any, error) {
	return c.callList(ctx, rpccontract.MethodListAgents, nil)
}

func (c *Client) GetAgent(ctx context.Context, name string) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodGetAgentByName, map[string]any{"name": name})
}

// CreateAgent sends fields using the JSON names of the agent record
// (name, command, args, schedule, ...).
func (c *Client) CreateAgent(ctx context.Context, fields map[string]any) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodCreateAgent, fields)
}

func (c *Client) UpdateAgent(ctx context.Context, id int64, fields map[string]any) (map[string]any, error) {
	payload := map[string]any{"id": id}
	for key, value := range fields {
		payload[key] = value
	}
	return c.callStruct(ctx, rpccontract.MethodUpdateAgent, payload)
}

func (c *Client) DeleteAgent(ctx context.Context, id int64) error {
	_, err := c.callStruct(ctx, rpccontract.MethodDeleteAgent, map[string]any{"id": id})
	return err
}

// RunAgent waits for the command to finish; the caller's context bounds it
// rather than the per-request timeout.
func (c *Client) RunAgent(ctx context.Context, name string) (map[string]any, error) {
	request, err := structpb.NewStruct(map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	response := &structpb.Struct{}
	if err := c.conn.Invoke(c.withAuth(ctx), rpccontract.MethodRunAgent, request, response); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}

func (c *Client) LogAgentEvent(ctx context.Context, agentID int64, eventType, message, details string) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodLogAgentEvent, map[string]any{
		"agent_id":   agentID,
		"event_type": eventType,
		"message":    message,
		"details":    details,
	})
}

// ListAgentLogs returns the newest entries first; a zero agentID lists all agents.
func (c *Client) ListAgentLogs(ctx context.Context, agentID int64, limit int) ([]any, error) {
	payload := map[string]any{"limit": limit}
	if agentID > 0 {
		payload["agent_id"] = agentID
	}
	return c.callList(ctx, rpccontract.MethodListAgentLogs, payload)
}

func (c *Client) ListEventHandlers(ctx context.Context, includeInactive bool) ([]any, error) {
	if includeInactive {
		return c.callList(ctx, rpccontract.MethodListAllEventHandlers, nil)
	}
	return c.callList(ctx, rpccontract.MethodListEventHandlers, nil)
}

func (c *Client) CreateEventHandler(ctx context.Context, fields map[string]any) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodCreateEventHandler, fields)
}

func (c *Client) SetEventHandlerActive(ctx context.Context, id int64, active bool) error {
	_, err := c.callStruct(ctx, rpccontract.MethodSetEventHandlerActive, map[string]any{"id": id, "active": active})
	return err
}

func (c *Client) TouchEventHandler(ctx context.Context, id int64) (bool, error) {
	response, err := c.callStruct(ctx, rpccontract.MethodUpdateEventHandlerLastCheck, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	updated, _ := response["updated"].(bool)
	return updated, nil
}

func (c *Client) DeleteEventHandler(ctx context.Context, id int64) error {
	_, err := c.callStruct(ctx, rpccontract.MethodDeleteEventHandler, map[string]any{"id": id})
	return err
}

func (c *Client) StartPoller(ctx context.Context) (string, error) {
	return c.pollerCall(ctx, rpccontract.MethodStartPoller)
}

func (c *Client) StopPoller(ctx context.Context) (string, error) {
	return c.pollerCall(ctx, rpccontract.MethodStopPoller)
}

func (c *Client) PollerStatus(ctx context.Context) (string, error) {
	return c.pollerCall(ctx, rpccontract.MethodGetPollerStatus)
}

func (c *Client) GetSettings(ctx context.Context, reveal bool) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodGetSettings, map[string]any{"reveal": reveal})
}

func (c *Client) SaveSettings(ctx context.Context, fields map[string]any) (map[string]any, error) {
	return c.callStruct(ctx, rpccontract.MethodSaveSettings, fields)
}

func (c *Client) ListKV(ctx context.Context) ([]any, error) {
	return c.callList(ctx, rpccontract.MethodListKVSettings, nil)
}

func (c *Client) GetKV(ctx context.Context, key string) (string, error) {
	response, err := c.callStruct(ctx, rpccontract.MethodGetKVSetting, map[string]any{"key": key})
	if err != nil {
		return "", err
	}
	value, _ := response["value"].(string)
	return value, nil
}

func (c *Client) PutKV(ctx context.Context, key, value string) error {
	_, err := c.callStruct(ctx, rpccontract.MethodPutKVSetting, map[string]any{"key": key, "value": value})
	return err
}

func (c *Client) pollerCall(ctx context.Context, method string) (string, error) {
	response, err := c.callStruct(ctx, method, nil)
	if err != nil {
		return "", err
	}
	statusText, _ := response["status"].(string)
	return statusText, nil
}

func (c *Client) callStruct(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	response := &structpb.Struct{}
	if err := c.invoke(ctx, method, payload, response); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}

func (c *Client) callList(ctx context.Context, method string, payload map[string]any) ([]any, error) {
	response := &structpb.ListValue{}
	if err := c.invoke(ctx, method, payload, response); err != nil {
		return nil, err
	}
	return response.AsSlice(), nil
}

// invoke sends an Empty when payload is nil.
func (c *Client) invoke(ctx context.Context, method string, payload map[string]any, response proto.Message) error {
	var request proto.Message = &emptypb.Empty{}
	if payload != nil {
		encoded, err := structpb.NewStruct(normalize(payload))
		if err != nil {
			return err
		}
		request = encoded
	}

	attempts := 1
	if _, isWrite := rpccontract.WriteMethods[method]; !isWrite {
		attempts = c.retryAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.requestTO)
		callCtx = c.withAuth(callCtx)

		invokeErr := c.conn.Invoke(callCtx, method, request, response)
		cancel()
		if invokeErr == nil {
			return nil
		}
		lastErr = invokeErr
		if !isRetryable(invokeErr) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) withAuth(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, rpccontract.TokenHeader, c.token)
}

// structpb rejects []string, so string lists are widened to []any.
func normalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if typed, ok := value.([]string); ok {
			items := make([]any, 0, len(typed))
			for _, item := range typed {
				items = append(items, item)
			}
			out[key] = items
			continue
		}
		out[key] = value
	}
	return out
}

func isLoopback(addr string) bool {
	return strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:")
}

func isRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
