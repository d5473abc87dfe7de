package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

func TestKafkaBusContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	coordinatorBus, err := NewKafkaBus(KafkaBusConfig{
		Brokers:       []string{broker},
		Topic:         "iceberg-control",
		GroupID:       "g1",
		ConsumerGroup: "it-coordinator",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new coordinator bus: %v", err)
	}
	defer coordinatorBus.Close()

	workerBus, err := NewKafkaBus(KafkaBusConfig{
		Brokers:       []string{broker},
		Topic:         "iceberg-control",
		GroupID:       "g1",
		ConsumerGroup: "it-worker",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new worker bus: %v", err)
	}
	defer workerBus.Close()

	coordinatorBus.Start()
	workerBus.Start()

	id := uuid.New()
	sendCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	if err := coordinatorBus.Send(sendCtx, events.NewEvent("g1", events.CommitRequestPayload{CommitID: id})); err != nil {
		t.Fatalf("send: %v", err)
	}
	// A second deployment's traffic shares the topic but must be
	// filtered out by the group id.
	if err := coordinatorBus.Send(sendCtx, events.NewEvent("g2", events.CommitRequestPayload{CommitID: uuid.New()})); err != nil {
		t.Fatalf("send foreign: %v", err)
	}

	for _, bus := range []*KafkaBus{coordinatorBus, workerBus} {
		select {
		case d := <-bus.Receive():
			p, ok := d.Event.Payload.(events.CommitRequestPayload)
			if !ok {
				t.Fatalf("unexpected payload %T", d.Event.Payload)
			}
			if p.CommitID != id {
				t.Fatalf("commit id mismatch: got %s want %s", p.CommitID, id)
			}
			if err := bus.Ack(ctx, d.Position); err != nil {
				t.Fatalf("ack: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for control message")
		}
	}

	select {
	case d := <-workerBus.Receive():
		t.Fatalf("foreign deployment delivered: %v", d.Event.Type)
	case <-time.After(500 * time.Millisecond):
	}
}
