package grpcapi_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/auth"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/credential"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store/memory"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/grpcapi"
)

const bufSize = 1024 * 1024

// startBufGRPC serves a checkpoint over an in-memory listener and returns a
// client authenticated as email.
func startBufGRPC(t *testing.T, email string) *grpcapi.Client {
	t.Helper()

	dir := memory.NewDirectory()
	for _, u := range []types.User{
		{ID: 1, Name: "Ana", Role: types.RoleA, Enabled: true},
		{ID: 2, Name: "Bruno", Role: types.RoleB, Enabled: true},
	} {
		if err := dir.PutUser(u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	if err := dir.PutController(types.Controller{ID: 1, Email: "guard@example.com", Gate: types.GateS1}); err != nil {
		t.Fatalf("PutController: %v", err)
	}

	directory := service.NewDirectory(dir, time.UTC)
	ledger := service.NewLedger(memory.NewAccessEventStore(), service.LedgerConfig{}, nil, nil)
	authority, err := auth.NewAuthority("grpc-secret")
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	srv := grpcapi.NewServer(grpcapi.Dependencies{
		Checkpoint: service.NewCheckpoint(directory, ledger, service.CheckpointConfig{}, nil, nil),
		Ledger:     ledger,
		Sessions:   service.NewSessionManager(directory, dir),
		Auth:       authority,
	})

	listener := bufconn.Listen(bufSize)
	server := grpcapi.NewGRPCServer(srv)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	var token string
	if email != "" {
		token, err = authority.Issue(email, "", time.Hour)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
	}

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	client, err := grpcapi.Dial("passthrough:///bufnet", token,
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		server.GracefulStop()
		_ = listener.Close()
	})
	return client
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGRPC_ScanAndCurrentState(t *testing.T) {
	client := startBufGRPC(t, "guard@example.com")
	ctx := ctxTimeout(t)

	resp, err := client.Scan(ctx, credential.Encode(1))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := resp.Fields["outcome"].GetStringValue(); got != "allow" {
		t.Fatalf("expected allow, got %q", got)
	}
	if got := resp.Fields["movement"].GetStructValue().Fields["label"].GetStringValue(); got != "entering" {
		t.Errorf("expected entering, got %q", got)
	}

	st, err := client.CurrentState(ctx, 1)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if got := st.Fields["state"].GetStringValue(); got != "inside" {
		t.Errorf("expected inside, got %q", got)
	}
}

func TestGRPC_ChangeGateThenEvaluate(t *testing.T) {
	client := startBufGRPC(t, "guard@example.com")
	ctx := ctxTimeout(t)

	if _, err := client.ChangeGate(ctx, "S2"); err != nil {
		t.Fatalf("ChangeGate: %v", err)
	}
	resp, err := client.Evaluate(ctx, 2)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := resp.Fields["reason"].GetStringValue(); got != string(types.ReasonNotPermittedForRole) {
		t.Errorf("expected not_permitted_for_role, got %q", got)
	}
	if got := resp.Fields["gate"].GetStringValue(); got != "S2" {
		t.Errorf("expected gate S2, got %q", got)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	client := startBufGRPC(t, "guard@example.com")
	ctx := ctxTimeout(t)

	cases := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"malformed payload", func() error { _, err := client.Scan(ctx, "nope"); return err }, codes.InvalidArgument},
		{"missing id", func() error { _, err := client.Scan(ctx, `{}`); return err }, codes.InvalidArgument},
		{"bad gate", func() error { _, err := client.ChangeGate(ctx, "S0"); return err }, codes.InvalidArgument},
		{"bad user id", func() error { _, err := client.CurrentState(ctx, 0); return err }, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if st, _ := status.FromError(err); st.Code() != tc.want {
				t.Errorf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestGRPC_Authentication(t *testing.T) {
	ctx := ctxTimeout(t)

	_, err := startBufGRPC(t, "").Scan(ctx, credential.Encode(1))
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}

	_, err = startBufGRPC(t, "stranger@example.com").Scan(ctx, credential.Encode(1))
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
}
