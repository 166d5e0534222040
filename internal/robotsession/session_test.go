package robotsession

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/storage/memory"
	"github.com/casarerpa/orchestrator/internal/workflowstore"
)

func newTestService(t *testing.T) (*Service, *memory.Store, *robotregistry.Service, *jobqueue.Service, *workflowstore.Service, domain.Tenant) {
	t.Helper()
	store := memory.New()
	tenant, err := store.CreateTenant(context.Background(), domain.Tenant{
		Slug: "acme", Name: "Acme", Status: domain.TenantActive,
		MaxWorkflows: 5, MaxRobots: 5, MaxExecutionsPerHour: 100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	gw := gateway.New(store, config.AuthConfig{JWTSecret: "s", TokenTTL: "15m"})
	workflows := workflowstore.New(store, gw)
	robots := robotregistry.New(store, 30*time.Second)
	jobs := jobqueue.New(store, gw, jobqueue.Options{
		LeaseWindow: time.Minute, BackoffBase: time.Second, Multiplier: 2.0, MaxBackoff: time.Minute, MaxRetries: 3,
	})
	svc := New(store, robots, jobs, Options{
		CancelTimeout: 200 * time.Millisecond, ProbationWindow: time.Minute, InboxSize: 64,
	}, nil)
	return svc, store, robots, jobs, workflows, tenant
}

func dialRobot(t *testing.T, srv *httptest.Server, sessionToken string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	reg, err := newFrame(MsgRegister, uuid.NewString(), 0, registerPayload{SessionToken: sessionToken})
	if err != nil {
		t.Fatalf("newFrame: %v", err)
	}
	if err := conn.WriteJSON(reg); err != nil {
		t.Fatalf("write register: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestServeRegistersAndAcksRobot(t *testing.T) {
	svc, store, robots, _, _, tenant := newTestService(t)
	robot, err := robots.Register(context.Background(), tenant.ID, "bot-1", "host-1", []string{robotregistry.CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	stored, err := store.GetRobot(context.Background(), tenant.ID, robot.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}

	srv := httptest.NewServer(NewEngine(svc))
	defer srv.Close()

	conn := dialRobot(t, srv, stored.SessionToken)
	defer conn.Close()

	ack := readFrame(t, conn)
	if ack.Type != MsgRegisterAck {
		t.Fatalf("first frame type = %s, want %s", ack.Type, MsgRegisterAck)
	}

	deadline := time.Now().Add(time.Second)
	for !svc.Connected(robot.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !svc.Connected(robot.ID) {
		t.Fatalf("robot %s not marked connected after registration", robot.ID)
	}
}

func TestAssignJobSendsJobAssignFrame(t *testing.T) {
	svc, store, robots, jobs, workflows, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := workflows.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	version, err := workflows.CreateVersion(ctx, tenant.ID, wf.ID, []byte(`{"nodes":[]}`), nil, "1.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := workflows.ActivateVersion(ctx, tenant.ID, wf.ID, version.ID); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}

	robot, err := robots.Register(ctx, tenant.ID, "bot-1", "host-1", []string{robotregistry.CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	stored, err := store.GetRobot(ctx, tenant.ID, robot.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}

	srv := httptest.NewServer(NewEngine(svc))
	defer srv.Close()
	conn := dialRobot(t, srv, stored.SessionToken)
	defer conn.Close()
	_ = readFrame(t, conn) // register_ack

	job, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := store.AssignJob(ctx, tenant.ID, job.ID, robot.ID, time.Minute)
	if err != nil {
		t.Fatalf("AssignJob (store): %v", err)
	}

	if err := svc.AssignJob(ctx, robot.ID, leased, version, []byte(`{"nodes":[]}`)); err != nil {
		t.Fatalf("AssignJob: %v", err)
	}

	assign := readFrame(t, conn)
	if assign.Type != MsgJobAssign {
		t.Fatalf("frame type = %s, want %s", assign.Type, MsgJobAssign)
	}
}

func TestAssignJobFailsWhenRobotNotConnected(t *testing.T) {
	svc, _, _, _, _, tenant := newTestService(t)
	job := domain.Job{ID: uuid.New(), WorkflowID: uuid.New()}
	if err := svc.AssignJob(context.Background(), uuid.New(), job, domain.WorkflowVersion{ID: uuid.New()}, nil); err == nil {
		t.Fatalf("AssignJob: want error for unconnected robot in tenant %s", tenant.ID)
	}
}

func TestCancelJobTimesOutAndPutsRobotOnProbation(t *testing.T) {
	svc, store, robots, jobs, workflows, tenant := newTestService(t)
	ctx := context.Background()

	wf, err := workflows.CreateWorkflow(ctx, tenant.ID, domain.Workflow{Name: "wf"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	version, err := workflows.CreateVersion(ctx, tenant.ID, wf.ID, []byte(`{"nodes":[]}`), nil, "1.0.0", "", 0, 0)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := workflows.ActivateVersion(ctx, tenant.ID, wf.ID, version.ID); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}
	robot, err := robots.Register(ctx, tenant.ID, "bot-1", "host-1", []string{robotregistry.CapDesktop}, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	stored, err := store.GetRobot(ctx, tenant.ID, robot.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}

	srv := httptest.NewServer(NewEngine(svc))
	defer srv.Close()
	conn := dialRobot(t, srv, stored.SessionToken)
	defer conn.Close()
	_ = readFrame(t, conn) // register_ack

	job, err := jobs.Enqueue(ctx, tenant.ID, wf.ID, nil, domain.PriorityNormal, domain.TriggerManual, time.Time{}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := store.AssignJob(ctx, tenant.ID, job.ID, robot.ID, time.Minute)
	if err != nil {
		t.Fatalf("AssignJob (store): %v", err)
	}
	if err := svc.AssignJob(ctx, robot.ID, leased, version, nil); err != nil {
		t.Fatalf("AssignJob: %v", err)
	}
	_ = readFrame(t, conn) // job_assign

	// Robot never acks the cancel: cancel_timeout (200ms, configured above)
	// should finalize cancellation and place the robot on probation.
	if _, err := svc.CancelJob(ctx, tenant.ID, job.ID, "operator requested"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	_ = readFrame(t, conn) // job_cancel

	time.Sleep(400 * time.Millisecond)

	cancelled, err := store.GetJob(ctx, tenant.ID, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if cancelled.Status != domain.JobCancelled {
		t.Fatalf("job status = %s, want %s after cancel_timeout elapses", cancelled.Status, domain.JobCancelled)
	}

	updatedRobot, err := store.GetRobot(ctx, tenant.ID, robot.ID)
	if err != nil {
		t.Fatalf("GetRobot: %v", err)
	}
	if updatedRobot.FailedAckAt == nil {
		t.Fatalf("robot.FailedAckAt = nil, want set after a cancel ack timeout")
	}

	s := svc.states[robot.ID]
	if s == nil || !s.dropReportsFor(job.ID) {
		t.Fatalf("expected job %s to be on probation after cancel timeout", job.ID)
	}
}
