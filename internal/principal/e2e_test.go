package principal

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicelgueta/cdktr/internal/agent"
	"github.com/nicelgueta/cdktr/internal/config"
	"github.com/nicelgueta/cdktr/pkg/logstream"
	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/repository"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

func e2eConfig(t *testing.T) *config.Config {
	t.Helper()
	appData := t.TempDir()
	workflowDir := filepath.Join(appData, "workflows")
	require.NoError(t, os.MkdirAll(workflowDir, 0o755))
	return &config.Config{
		PrincipalHost:          "127.0.0.1",
		PrincipalPort:          -1, // random free port
		LogsListeningPort:      0,
		LogsPublishingPort:     0,
		HTTPPort:               0,
		AgentMaxConcurrency:    2,
		RetryAttempts:          3,
		RequestTimeout:         2 * time.Second,
		WorkflowDir:            workflowDir,
		WorkflowRefreshEvery:   time.Minute,
		SchedulerPollFrequency: 100 * time.Millisecond,
		QueuePersistInterval:   200 * time.Millisecond,
		AgentHeartbeatTimeout:  5 * time.Second,
		QueueCapacity:          16,
		AppDataDirectory:       appData,
		DBPath:                 "app.db",
	}
}

func TestEndToEndLinearWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test")
	}

	cfg := e2eConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkflowDir, "etl.yml"), []byte(`
name: etl
tasks:
  a:
    executor: {type: shell, command: "echo A"}
  b:
    depends: [a]
    executor: {type: shell, command: "echo B"}
  c:
    depends: [b]
    executor: {type: shell, command: "echo C"}
`), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	p, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	nc, err := nats.Connect(p.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	// Tail the fan-out like a UI subscriber would.
	var framesMu []protocol.LogFrame
	frameCh := make(chan protocol.LogFrame, 64)
	sub, err := logstream.Subscribe(nc, "etl", func(f protocol.LogFrame) { frameCh <- f })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	client := protocol.NewClient(nc, cfg.RequestTimeout, cfg.RetryAttempts)
	require.NoError(t, client.Ping(context.Background()))

	// Trigger a run before any agent exists; it waits in the queue.
	var runRep protocol.RunWorkflowReply
	require.NoError(t, client.Request(context.Background(), protocol.OpRunWorkflow,
		protocol.RunWorkflowRequest{WorkflowID: "etl"}, &runRep))
	require.NotEmpty(t, runRep.WorkflowInstanceID)

	// Unknown workflows are rejected.
	err = client.Request(context.Background(), protocol.OpRunWorkflow,
		protocol.RunWorkflowRequest{WorkflowID: "ghost"}, nil)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))

	// Start an agent; it registers, fetches, and executes.
	agentCtx, stopAgent := context.WithCancel(context.Background())
	sup := agent.NewSupervisor(cfg, nc, logger)
	agentDone := make(chan error, 1)
	go func() { agentDone <- sup.Run(agentCtx) }()

	// All three tasks echo one line each, in dependency order.
	timeout := time.After(30 * time.Second)
	for len(framesMu) < 3 {
		select {
		case f := <-frameCh:
			framesMu = append(framesMu, f)
		case <-timeout:
			t.Fatalf("timed out with %d frames", len(framesMu))
		}
	}
	assert.Equal(t, "A", framesMu[0].Payload)
	assert.Equal(t, "B", framesMu[1].Payload)
	assert.Equal(t, "C", framesMu[2].Payload)
	assert.Equal(t, runRep.WorkflowInstanceID, framesMu[0].WorkflowInstanceID)

	// The registry shows the agent.
	var agents protocol.ListAgentsReply
	require.NoError(t, client.Request(context.Background(), protocol.OpListAgents, nil, &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, 2, agents.Agents[0].Capacity)

	// ListWorkflows serves the store.
	var wfs protocol.ListWorkflowsReply
	require.NoError(t, client.Request(context.Background(), protocol.OpListWorkflows, nil, &wfs))
	require.Len(t, wfs.Workflows, 1)
	assert.Equal(t, "etl", wfs.Workflows[0].ID)
	assert.Equal(t, 3, wfs.Workflows[0].TaskCount)

	// Drain the agent, then the principal; shutdown flushes the persister.
	stopAgent()
	select {
	case err := <-agentDone:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("agent did not drain")
	}
	cancel()
	p.Shutdown()

	// The analytical store now holds the full history.
	repo, err := repository.Open(cfg.DatabasePath(), "")
	require.NoError(t, err)

	recent, err := repo.Statuses.RecentWorkflowStatuses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, runRep.WorkflowInstanceID, recent[0].WorkflowInstanceID)
	assert.Equal(t, workflow.StatusCompleted, recent[0].Status)

	tasks, err := repo.Statuses.LatestTaskStatuses(context.Background(), runRep.WorkflowInstanceID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, row := range tasks {
		assert.Equal(t, workflow.StatusCompleted, row.Status)
	}

	entries, err := repo.Logs.Query(context.Background(), protocol.LogQuery{
		WorkflowInstanceID: runRep.WorkflowInstanceID,
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "A", entries[0].Payload)
}

func TestEndToEndQueueSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test")
	}

	cfg := e2eConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkflowDir, "job.yml"), []byte(`
name: job
tasks:
  a:
    executor: {type: shell, command: "echo run"}
`), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	p, err := New(cfg, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	nc, err := nats.Connect(p.ClientURL())
	require.NoError(t, err)
	client := protocol.NewClient(nc, cfg.RequestTimeout, cfg.RetryAttempts)

	var want []string
	for i := 0; i < 5; i++ {
		var rep protocol.RunWorkflowReply
		require.NoError(t, client.Request(context.Background(), protocol.OpRunWorkflow,
			protocol.RunWorkflowRequest{WorkflowID: "job"}, &rep))
		want = append(want, rep.WorkflowInstanceID)
	}
	nc.Close()
	cancel()
	p.Shutdown()

	// Restart on the same app data; the queue replays in order.
	p2, err := New(cfg, logger)
	require.NoError(t, err)
	ctx2, cancel2 := context.WithCancel(context.Background())
	require.NoError(t, p2.Start(ctx2))
	defer func() {
		cancel2()
		p2.Shutdown()
	}()

	nc2, err := nats.Connect(p2.ClientURL())
	require.NoError(t, err)
	defer nc2.Close()
	client2 := protocol.NewClient(nc2, cfg.RequestTimeout, cfg.RetryAttempts)

	var reg protocol.RegisterAgentReply
	require.NoError(t, client2.Request(context.Background(), protocol.OpRegisterAgent,
		protocol.RegisterAgentRequest{Capacity: 1, ControlAddr: "test"}, &reg))

	var got []string
	for {
		var rep protocol.FetchWorkflowReply
		require.NoError(t, client2.Request(context.Background(), protocol.OpFetchWorkflow,
			protocol.FetchWorkflowRequest{AgentID: reg.AgentID}, &rep))
		if !rep.Found {
			break
		}
		got = append(got, rep.WorkflowInstanceID)
	}
	assert.Equal(t, want, got)
}
