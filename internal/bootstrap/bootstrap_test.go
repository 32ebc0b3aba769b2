package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/Voskan/mica-node/internal/wire"
)

func TestRegistryReadyAfterAllPeersPublish(t *testing.T) {
	r := NewRegistry(0, 3)
	select {
	case <-r.Ready():
		t.Fatal("registry reported ready before any peer published")
	default:
	}

	r.Publish(PeerInfo{Node: 1, PeerAddr: "n1:7000", ClientAddr: "n1:7001"})
	select {
	case <-r.Ready():
		t.Fatal("registry reported ready with only 1 of 2 peers published")
	default:
	}

	r.Publish(PeerInfo{Node: 2, PeerAddr: "n2:7000", ClientAddr: "n2:7001"})
	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("registry never became ready after all peers published")
	}

	addr, ok := r.AddressOf(1)
	if !ok || addr != wire.Address("n1:7000") {
		t.Fatalf("unexpected peer address: %v %v", addr, ok)
	}
}

func TestWaitReadyRespectsContextCancellation(t *testing.T) {
	r := NewRegistry(0, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.WaitReady(ctx); err == nil {
		t.Fatal("expected WaitReady to time out with no peers published")
	}
}
