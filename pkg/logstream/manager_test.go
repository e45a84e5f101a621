package logstream

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestManagerCopiesIngestToFanOut(t *testing.T) {
	nc := startNATS(t)

	mgr := NewManager(nc, nil, nil)
	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	received := make(chan protocol.LogFrame, 16)
	sub, err := Subscribe(nc, "etl", func(f protocol.LogFrame) { received <- f })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewPublisher(nc, 64, nil)
	go pub.Start(t.Context())

	pub.Enqueue(protocol.LogFrame{
		WorkflowID:         "etl.daily",
		WorkflowInstanceID: "wi-1",
		TimestampMS:        1,
		Level:              protocol.LevelInfo,
		Payload:            "via prefix match",
	})
	pub.Enqueue(protocol.LogFrame{
		WorkflowID:         "unrelated",
		WorkflowInstanceID: "wi-2",
		TimestampMS:        2,
		Level:              protocol.LevelInfo,
		Payload:            "filtered out",
	})

	select {
	case f := <-received:
		assert.Equal(t, "via prefix match", f.Payload)
		assert.Equal(t, "etl.daily", f.WorkflowID)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame arrived on the fan-out")
	}

	// The unrelated workflow never reaches the etl subscriber.
	select {
	case f := <-received:
		t.Fatalf("unexpected frame: %q", f.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeEmptyPrefixReceivesEverything(t *testing.T) {
	nc := startNATS(t)

	mgr := NewManager(nc, nil, nil)
	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	received := make(chan protocol.LogFrame, 16)
	sub, err := Subscribe(nc, "", func(f protocol.LogFrame) { received <- f })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, wfID := range []string{"alpha", "beta.nightly"} {
		data, err := protocol.EncodeFrame(protocol.LogFrame{
			WorkflowID:  wfID,
			TimestampMS: 1,
			Level:       protocol.LevelInfo,
			Payload:     wfID,
		})
		require.NoError(t, err)
		require.NoError(t, nc.Publish(protocol.SubjectLogIngest, data))
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case f := <-received:
			seen[f.WorkflowID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only saw %v", seen)
		}
	}
}
