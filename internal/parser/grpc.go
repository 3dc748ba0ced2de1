package parser

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/taxonomy"
)

const (
	grpcServiceName = "lexiq.dictation.v1.TranscriptParser"
	parseMethod     = "/" + grpcServiceName + "/Parse"

	// TaxonomyMetadataKey carries the section schema version on every call
	TaxonomyMetadataKey = "x-section-taxonomy"
)

// GRPCClient calls the parser over gRPC. Requests and responses are
// google.protobuf.Struct messages shaped like the HTTP JSON bodies.
type GRPCClient struct {
	target  string
	apiKey  string
	timeout time.Duration
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	guard   *guard
}

// NewGRPCClient creates a gRPC parser client. The connection is established
// lazily on the first call.
func NewGRPCClient(opts Options) (*GRPCClient, error) {
	target := strings.TrimPrefix(strings.TrimPrefix(opts.BaseURL, "grpc://"), "dns:///")
	if target == "" {
		return nil, fmt.Errorf("parser gRPC target is empty")
	}

	var dialOpts []grpc.DialOption
	if opts.TLSEnabled {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create parser connection to %s: %w", target, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := observability.GetLogger()
	logger.Info().
		Str("target", target).
		Bool("tls", opts.TLSEnabled).
		Msg("Parser gRPC client configured")

	return &GRPCClient{
		target:  target,
		apiKey:  opts.APIKey,
		timeout: timeout,
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		guard:   newGuard("parser-grpc", opts),
	}, nil
}

// Parse implements Client
func (c *GRPCClient) Parse(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	in, err := structpb.NewStruct(map[string]interface{}{
		"transcript": req.Transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build parse request: %w", err)
	}

	var out *Response
	err = c.guard.do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(c.outgoing(ctx), c.timeout)
		defer cancel()

		reply := &structpb.Struct{}
		if err := c.conn.Invoke(ctx, parseMethod, in, reply); err != nil {
			return fromStatus(err)
		}

		resp, err := decodeStruct(reply)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) outgoing(ctx context.Context) context.Context {
	kv := []string{TaxonomyMetadataKey, taxonomy.Version}
	if c.apiKey != "" {
		kv = append(kv, "authorization", "Bearer "+c.apiKey)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// decodeStruct converts the reply through its JSON form so both transports
// share one response shape
func decodeStruct(s *structpb.Struct) (*Response, error) {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parse reply: %w", err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode parse reply: %w", err)
	}
	return &out, nil
}

// fromStatus maps a gRPC status to *Error so callers see one error type.
// Transport-level failures are returned unchanged.
func fromStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	perr := &Error{StatusCode: httpStatus(st.Code())}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Unknown:
		// Raised by the client or the channel, not by the parser service
		perr.Err = err
	default:
		perr.Message = st.Message()
	}
	return perr
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// HealthCheck implements HealthChecker using the standard gRPC health service
func (c *GRPCClient) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
