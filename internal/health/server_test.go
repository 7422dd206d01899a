package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T, checks map[string]Checker, interval time.Duration) healthpb.HealthClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(checks, interval).Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthServing(t *testing.T) {
	ok := CheckerFunc(func(context.Context) error { return nil })
	client := startServer(t, map[string]Checker{"store": ok, "index": ok}, time.Hour)

	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall = %v", got)
	}
	if got := check(t, client, "index"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("index = %v", got)
	}
}

func TestHealthReflectsFailingCheck(t *testing.T) {
	var broken atomic.Bool
	store := CheckerFunc(func(context.Context) error {
		if broken.Load() {
			return errors.New("disk full")
		}
		return nil
	})
	client := startServer(t, map[string]Checker{"store": store}, 20*time.Millisecond)

	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %v before failure", got)
	}

	broken.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check(t, client, "store") == healthpb.HealthCheckResponse_NOT_SERVING {
			if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
				t.Errorf("overall = %v with failing store", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("store never reported NOT_SERVING")
}
