// Package robotsession implements spec.md §4.6's Robot Session Protocol:
// the persistent, ordered, bidirectional frame stream between the
// orchestrator and each connected robot. It is grounded on
// cluster-gateway's connection-manager/upgrade-handler pattern (round-robin
// multi-connection HA is not needed here — exactly one live socket per
// robot — but the registration-keyed connection map, ping/pong liveness,
// and read-pump/write-pump split are the same shape), adapted from
// gorilla/websocket + gin to this orchestrator's single-socket-per-robot,
// JSON-envelope protocol.
//
// Session.AssignJob implements internal/dispatcher.Assigner, so the
// dispatcher never imports this package directly — it only depends on the
// interface, and this package is wired in by internal/app.
package robotsession

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/jobqueue"
	"github.com/casarerpa/orchestrator/internal/robotregistry"
	"github.com/casarerpa/orchestrator/internal/storage"
	"github.com/casarerpa/orchestrator/pkg/logger"
)

// outLogCapacity bounds how many durable command frames (job_assign,
// job_cancel, pause, resume, shutdown) this orchestrator retains per robot
// for resume-by-sequence-number; acks and heartbeats are never logged here
// since a robot never needs them replayed.
const outLogCapacity = 256

// dedupeCapacity bounds the per-robot inbound correlation_id set used to
// collapse duplicate deliveries on reconnect.
const dedupeCapacity = 1024

// registrationTimeout is how long a freshly upgraded socket has to send its
// register frame before the orchestrator gives up on it.
const registrationTimeout = 15 * time.Second

// Options tunes session timing; callers build one from
// config.RobotSessionConfig.
type Options struct {
	CancelTimeout   time.Duration
	ProbationWindow time.Duration
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	InboxSize       int
}

func (o Options) withDefaults() Options {
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 10 * time.Second
	}
	if o.ProbationWindow <= 0 {
		o.ProbationWindow = 5 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
	return o
}

// sessionState is the durable, reconnect-surviving half of a robot's
// session: the outbound command log and sequence counter, and the inbound
// dedupe/probation bookkeeping. It outlives any single TCP connection.
type sessionState struct {
	mu              sync.Mutex
	tenantID        uuid.UUID
	outSeq          uint64
	outLog          []Frame
	seenCorrelation map[string]time.Time
	probation       map[uuid.UUID]time.Time // jobID -> drop-reports-until
}

func newSessionState(tenantID uuid.UUID) *sessionState {
	return &sessionState{
		tenantID:        tenantID,
		seenCorrelation: make(map[string]time.Time),
		probation:       make(map[uuid.UUID]time.Time),
	}
}

func (st *sessionState) nextFrame(typ MessageType, correlationID string, payload any) (Frame, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outSeq++
	f, err := newFrame(typ, correlationID, st.outSeq, payload)
	if err != nil {
		return Frame{}, err
	}
	if isDurableCommand(typ) {
		st.outLog = append(st.outLog, f)
		if len(st.outLog) > outLogCapacity {
			st.outLog = st.outLog[len(st.outLog)-outLogCapacity:]
		}
	}
	return f, nil
}

func isDurableCommand(typ MessageType) bool {
	switch typ {
	case MsgJobAssign, MsgJobCancel, MsgPause, MsgResume, MsgShutdown:
		return true
	default:
		return false
	}
}

func (st *sessionState) replaySince(lastReceived uint64) []Frame {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Frame
	for _, f := range st.outLog {
		if f.Sequence > lastReceived {
			out = append(out, f)
		}
	}
	return out
}

// markSeen reports whether correlationID has already been processed on this
// session, recording it if not. An empty correlationID is never deduped —
// some inbound types (log_entry, status_response) may omit one.
func (st *sessionState) markSeen(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.seenCorrelation[correlationID]; ok {
		return true
	}
	st.seenCorrelation[correlationID] = time.Now().UTC()
	if len(st.seenCorrelation) > dedupeCapacity {
		st.evictOldestSeenLocked()
	}
	return false
}

func (st *sessionState) evictOldestSeenLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range st.seenCorrelation {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	delete(st.seenCorrelation, oldestKey)
}

func (st *sessionState) putOnProbation(jobID uuid.UUID, window time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.probation[jobID] = time.Now().UTC().Add(window)
}

// dropReportsFor reports whether completion reports for jobID should be
// silently dropped because a prior cancellation already timed out against
// this robot.
func (st *sessionState) dropReportsFor(jobID uuid.UUID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	until, ok := st.probation[jobID]
	if !ok {
		return false
	}
	if time.Now().UTC().After(until) {
		delete(st.probation, jobID)
		return false
	}
	return true
}

// connection wraps the live socket for one robot. It is replaced wholesale
// on reconnect; sessionState is what survives across connections.
type connection struct {
	robotID uuid.UUID
	state   *sessionState
	conn    *websocket.Conn
	send    chan Frame
	once    sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// pendingCancel tracks one outstanding job_cancel awaiting a job_cancelled
// ack, per spec.md §4.6's cancellation semantics.
type pendingCancel struct {
	mu    sync.Mutex
	acked bool
	timer *time.Timer
}

// Service manages every robot's session over storage.Store,
// robotregistry.Service, and jobqueue.Service.
type Service struct {
	mu       sync.RWMutex
	conns    map[uuid.UUID]*connection
	states   map[uuid.UUID]*sessionState
	cancels  map[uuid.UUID]*pendingCancel // keyed by jobID

	store    storage.Store
	robots   *robotregistry.Service
	jobs     *jobqueue.Service
	upgrader websocket.Upgrader
	opts     Options
	log      *logger.Logger
}

// New builds a Service. log may be nil, in which case a default logger is
// used.
func New(store storage.Store, robots *robotregistry.Service, jobs *jobqueue.Service, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("robotsession")
	}
	return &Service{
		conns:   make(map[uuid.UUID]*connection),
		states:  make(map[uuid.UUID]*sessionState),
		cancels: make(map[uuid.UUID]*pendingCancel),
		store:   store,
		robots:  robots,
		jobs:    jobs,
		opts:    opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Connected reports whether robotID currently holds a live socket.
func (s *Service) Connected(robotID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[robotID]
	return ok
}

// Serve upgrades r to a websocket and blocks handling frames on it until
// the connection closes; callers invoke this from an HTTP handler (see
// Handler in handler.go).
func (s *Service) Serve(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("robot session upgrade failed")
		return
	}

	robotID, tenantID, resyncFrom, err := s.awaitRegistration(wsConn)
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("robot session registration failed")
		_ = wsConn.Close()
		return
	}

	conn := s.bindConnection(robotID, tenantID, resyncFrom, wsConn)
	s.log.WithFields(logrus.Fields{"robot_id": robotID, "tenant_id": tenantID}).Info("robot session established")

	s.readLoop(conn)
}

func (s *Service) awaitRegistration(wsConn *websocket.Conn) (robotID, tenantID uuid.UUID, resyncFrom uint64, err error) {
	_ = wsConn.SetReadDeadline(time.Now().Add(registrationTimeout))
	_, data, err := wsConn.ReadMessage()
	if err != nil {
		return uuid.Nil, uuid.Nil, 0, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return uuid.Nil, uuid.Nil, 0, err
	}
	if f.Type != MsgRegister {
		return uuid.Nil, uuid.Nil, 0, apperr.Validationf("robotsession.awaitRegistration", "first frame must be %s, got %s", MsgRegister, f.Type)
	}
	var reg registerPayload
	if err := json.Unmarshal(f.Payload, &reg); err != nil {
		return uuid.Nil, uuid.Nil, 0, err
	}
	robot, err := s.store.GetRobotBySessionToken(context.Background(), reg.SessionToken)
	if err != nil {
		return uuid.Nil, uuid.Nil, 0, apperr.New(apperr.Unauthenticated, "robotsession.awaitRegistration", "invalid session token")
	}
	return robot.ID, robot.TenantID, reg.LastReceivedSequence, nil
}

func (s *Service) bindConnection(robotID, tenantID uuid.UUID, resyncFrom uint64, wsConn *websocket.Conn) *connection {
	s.mu.Lock()
	state, ok := s.states[robotID]
	if !ok {
		state = newSessionState(tenantID)
		s.states[robotID] = state
	}
	if old, ok := s.conns[robotID]; ok {
		old.close()
	}
	conn := &connection{robotID: robotID, state: state, conn: wsConn, send: make(chan Frame, s.opts.InboxSize)}
	s.conns[robotID] = conn
	s.mu.Unlock()

	// writeLoop must be draining conn.send before we queue the register_ack
	// and replay burst below — the replay backlog can exceed InboxSize.
	go s.writeLoop(conn)

	ack, err := state.nextFrame(MsgRegisterAck, uuid.NewString(), registerAckPayload{
		RobotID:            robotID.String(),
		TenantID:           tenantID.String(),
		ResyncFromSequence: resyncFrom,
	})
	if err == nil {
		conn.send <- ack
	}
	for _, replay := range state.replaySince(resyncFrom) {
		conn.send <- replay
	}
	return conn
}

func (s *Service) unbindConnection(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.conns[conn.robotID]; ok && current == conn {
		delete(s.conns, conn.robotID)
	}
}

func (s *Service) writeLoop(conn *connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-conn.send:
			if !ok {
				return
			}
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.conn.WriteJSON(f); err != nil {
				s.log.WithFields(logrus.Fields{"robot_id": conn.robotID, "error": err}).Debug("write failed, closing session")
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (s *Service) readLoop(conn *connection) {
	defer func() {
		s.unbindConnection(conn)
		conn.close()
		s.log.WithFields(logrus.Fields{"robot_id": conn.robotID}).Info("robot session connection closed")
	}()

	_ = conn.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.WithFields(logrus.Fields{"robot_id": conn.robotID, "error": err}).Warn("malformed frame")
			continue
		}
		s.handleFrame(context.Background(), conn, f)
	}
}
