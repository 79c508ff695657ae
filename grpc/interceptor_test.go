package grpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

const (
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
)

const testCatalogYAML = `
tools:
  Check: {price: "10000", rateLimit: 2}
  Watch: {price: "50000", rateLimit: 10}
  Ping: {category: free}
`

// stubVerifier accepts every payment unless reason is set.
type stubVerifier struct {
	reason string
}

func (s *stubVerifier) Verify(_ context.Context, p *x402.PaymentPayload, _ *x402.VerificationRequirements) *x402.VerificationResult {
	if s.reason != "" {
		return &x402.VerificationResult{Valid: false, Reason: s.reason, Backend: "stub"}
	}
	return &x402.VerificationResult{Valid: true, Payer: p.Payload.From, Backend: "stub"}
}

func (s *stubVerifier) Settle(context.Context, *x402.PaymentPayload) *x402.VerificationResult {
	return &x402.VerificationResult{Valid: true, TransactionHash: "0xtx", Backend: "stub"}
}

func newTestGateway(t *testing.T, verifier x402.PaymentVerifier) *x402.Gateway {
	t.Helper()
	catalog, err := x402.ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)

	g, err := x402.NewGateway(x402.Config{PayTo: testPayTo}, catalog, verifier,
		x402.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return g
}

var testNonce atomic.Uint64

func paymentValue(t *testing.T, from string) string {
	t.Helper()
	encoded, err := x402.EncodePaymentPayload(&x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     "base-sepolia",
		Payload: x402.Authorization{
			From:        from,
			To:          testPayTo,
			Amount:      "50000",
			Nonce:       fmt.Sprintf("0x%064x", testNonce.Add(1)),
			ValidBefore: time.Now().Add(time.Minute).Unix(),
		},
		Signature: "0x" + strings.Repeat("cd", 65),
	})
	require.NoError(t, err)
	return encoded
}

func startHealthServer(t *testing.T, g *x402.Gateway) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryServerInterceptor(g)),
		grpc.StreamInterceptor(StreamServerInterceptor(g)),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func withPayment(t *testing.T, from string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), MetadataKeyPaymentSignature, paymentValue(t, from))
}

func TestUnaryInterceptor_PaymentRequired(t *testing.T) {
	client := startHealthServer(t, newTestGateway(t, &stubVerifier{}))

	var trailer metadata.MD
	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.Trailer(&trailer))

	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), `required for tool "Check"`)

	required, err := ExtractPaymentRequiredFromMetadata(trailer)
	require.NoError(t, err)
	assert.Equal(t, "Check", required.Tool)
	assert.Equal(t, "10000", required.Price)
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, "/grpc.health.v1.Health/Check", required.Accepts[0].Resource)
}

func TestUnaryInterceptor_ValidPayment(t *testing.T) {
	client := startHealthServer(t, newTestGateway(t, &stubVerifier{}))

	var header metadata.MD
	resp, err := client.Check(withPayment(t, testPayer), &healthpb.HealthCheckRequest{}, grpc.Header(&header))

	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	values := header.Get(MetadataKeyPaymentResponse)
	require.Len(t, values, 1)
	paymentResp, err := DecodePaymentResponse(values[0])
	require.NoError(t, err)
	assert.True(t, paymentResp.Success)
	assert.Equal(t, strings.ToLower(testPayer), paymentResp.Payer)
}

func TestUnaryInterceptor_InvalidPayment(t *testing.T) {
	client := startHealthServer(t, newTestGateway(t, &stubVerifier{reason: "insufficient payment"}))

	var trailer metadata.MD
	_, err := client.Check(withPayment(t, testPayer), &healthpb.HealthCheckRequest{}, grpc.Trailer(&trailer))

	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, "insufficient payment", status.Convert(err).Message())

	required, err := ExtractPaymentRequiredFromMetadata(trailer)
	require.NoError(t, err)
	assert.Equal(t, x402.ErrCodePaymentInvalid, required.Error)
}

func TestUnaryInterceptor_MalformedPayment(t *testing.T) {
	client := startHealthServer(t, newTestGateway(t, &stubVerifier{}))

	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataKeyPayment, "not-a-payment")
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})

	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnaryInterceptor_RateLimited(t *testing.T) {
	g := newTestGateway(t, &stubVerifier{})
	client := startHealthServer(t, g)

	for i := 0; i < 2; i++ {
		_, err := client.Check(withPayment(t, testPayer), &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
	}

	var trailer metadata.MD
	_, err := client.Check(withPayment(t, testPayer), &healthpb.HealthCheckRequest{}, grpc.Trailer(&trailer))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	require.Len(t, trailer.Get(MetadataKeyRetryAfter), 1)
	assert.NotEqual(t, "0", trailer.Get(MetadataKeyRetryAfter)[0])
}

func TestUnaryInterceptor_ReplayedPayment(t *testing.T) {
	client := startHealthServer(t, newTestGateway(t, &stubVerifier{}))
	ctx := withPayment(t, testPayer)

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, "payment authorization already used", status.Convert(err).Message())
}

func TestUnaryInterceptor_InjectsPaymentContext(t *testing.T) {
	interceptor := UnaryServerInterceptor(newTestGateway(t, &stubVerifier{}))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, paymentValue(t, testPayer)))
	ctx = peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 4000}})

	var got *x402.PaymentContext
	resp, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/tools.v1.Tools/Watch"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			p, err := RequirePayment(ctx)
			got = p
			return "ok", err
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	require.NotNil(t, got)
	assert.Equal(t, "Watch", got.Tool)
	assert.Equal(t, "50000", got.Amount)
	assert.Equal(t, strings.ToLower(testPayer), got.PayerAddress)
}

func TestUnaryInterceptor_FreeMethod(t *testing.T) {
	interceptor := UnaryServerInterceptor(newTestGateway(t, &stubVerifier{}))

	called := false
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/tools.v1.Tools/Ping"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			called = true
			_, err := RequirePayment(ctx)
			assert.Error(t, err)
			return nil, nil
		})

	require.NoError(t, err)
	assert.True(t, called)
}

func TestUnaryInterceptor_ToolNamer(t *testing.T) {
	interceptor := UnaryServerInterceptor(newTestGateway(t, &stubVerifier{}),
		WithToolNamer(func(string) string { return "Ping" }))

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/tools.v1.Tools/Check"},
		func(context.Context, interface{}) (interface{}, error) { return nil, nil })
	assert.NoError(t, err)
}

func TestStreamInterceptor(t *testing.T) {
	client := startHealthServer(t, newTestGateway(t, &stubVerifier{}))

	t.Run("payment required", func(t *testing.T) {
		stream, err := client.Watch(context.Background(), &healthpb.HealthCheckRequest{})
		require.NoError(t, err)

		_, err = stream.Recv()
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))

		required, err := ExtractPaymentRequiredFromMetadata(stream.Trailer())
		require.NoError(t, err)
		assert.Equal(t, "Watch", required.Tool)
		assert.Equal(t, "50000", required.Price)
	})

	t.Run("paid", func(t *testing.T) {
		ctx, cancel := context.WithCancel(withPayment(t, testPayer))
		defer cancel()

		stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)

		resp, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

		header, err := stream.Header()
		require.NoError(t, err)
		assert.Len(t, header.Get(MetadataKeyPaymentResponse), 1)
	})
}
