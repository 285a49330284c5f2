package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/telemetry"
)

// Engine is the two-leg call session state machine. It is driven by operator
// requests and carrier webhooks, which may arrive in any order.
type Engine interface {
	// Outbound bridge
	Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error)
	AnswerAgentLeg(ctx context.Context, req AnswerRequest) (string, error)

	// Inbound bridge
	IncomingCall(ctx context.Context, req IncomingRequest) (string, error)

	// Leg status webhook
	UpdateStatus(ctx context.Context, req StatusUpdate) error

	// Introspection
	Snapshot() *StateSnapshot
}

// Placer places outbound legs and builds dial markup on behalf of the engine.
// *credential.Selector satisfies it.
type Placer interface {
	PlaceCall(ctx context.Context, params carrier.CallParams) (*carrier.Call, model.AuthMethod, error)
	DialMarkup(target, callerID string, opts ...carrier.DialOption) (string, error)
}

// Publisher receives state change events
type Publisher interface {
	Publish(event model.Event)
}

// Config holds the numbers and public URL the engine works with
type Config struct {
	// BaseURL is the externally reachable URL the carrier sends webhooks to.
	BaseURL string
	// NumberA is the carrier number outbound legs are placed from.
	NumberA string
	// NumberB is the default agent number.
	NumberB string
}

// Line identifies which carrier number an inbound call arrived on
type Line string

const (
	LineA Line = "a"
	LineB Line = "b"
)

// ConnectRequest starts an outbound bridge
type ConnectRequest struct {
	CustomerNumber string `json:"customer_number"`
	AgentNumber    string `json:"agent_number,omitempty"`
}

// ConnectResult is returned once the carrier accepts the agent leg
type ConnectResult struct {
	SID        model.SID        `json:"sid"`
	AuthMethod model.AuthMethod `json:"auth_method"`
	SessionID  string           `json:"session_id"`
}

// AnswerRequest is the answer webhook for the agent leg
type AnswerRequest struct {
	CallSid      model.SID
	CallStatus   string
	SessionToken string
	Customer     string
}

// IncomingRequest is the voice webhook for a call to one of the carrier numbers
type IncomingRequest struct {
	Line       Line
	CallSid    model.SID
	From       string
	To         string
	CallStatus string
}

// StatusUpdate is a leg status webhook
type StatusUpdate struct {
	CallSid       model.SID
	CallStatus    string
	ParentCallSid model.SID
	SessionToken  string
	From          string
	To            string
	Timestamp     string
}

// StateSnapshot is a JSON-serializable copy of the session table
type StateSnapshot struct {
	Sessions  []*model.Session `json:"sessions"`
	Legs      []*model.Leg     `json:"legs"`
	Timestamp time.Time        `json:"timestamp"`
}

// DefaultMaxSessions bounds the session table
const DefaultMaxSessions = 500

// EngineImpl is the concrete implementation of Engine
type EngineImpl struct {
	mu          sync.RWMutex
	clock       Clock
	placer      Placer
	publisher   Publisher
	logger      *slog.Logger
	cfg         Config
	maxSessions int
	newToken    func() string

	// sessions is keyed by session id, which is also the token embedded in
	// webhook URLs. legs maps every known leg sid to its session.
	sessions map[string]*model.Session
	legs     map[model.SID]*model.Leg

	calls metric.Int64Counter
}

// EngineOption configures the engine
type EngineOption func(*EngineImpl)

// WithClock sets a specific clock implementation
func WithClock(clock Clock) EngineOption {
	return func(e *EngineImpl) {
		e.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *EngineImpl) {
		e.logger = logger
	}
}

// WithMaxSessions bounds how many sessions are retained.
func WithMaxSessions(n int) EngineOption {
	return func(e *EngineImpl) {
		if n > 0 {
			e.maxSessions = n
		}
	}
}

// WithTokenGenerator replaces the session token generator
func WithTokenGenerator(fn func() string) EngineOption {
	return func(e *EngineImpl) {
		e.newToken = fn
	}
}

// NewEngine creates a new engine instance
func NewEngine(cfg Config, placer Placer, publisher Publisher, opts ...EngineOption) *EngineImpl {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.NumberA = strings.TrimSpace(cfg.NumberA)
	cfg.NumberB = strings.TrimSpace(cfg.NumberB)

	e := &EngineImpl{
		clock:       NewAutoClock(),
		placer:      placer,
		publisher:   publisher,
		logger:      slog.Default(),
		cfg:         cfg,
		maxSessions: DefaultMaxSessions,
		newToken:    uuid.NewString,
		sessions:    make(map[string]*model.Session),
		legs:        make(map[model.SID]*model.Leg),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.calls = telemetry.Counter(telemetry.Meter("twibridge/engine"),
		"twibridge.engine.sessions", "Call sessions started")
	return e
}

// Connect places the agent leg of an outbound bridge. The customer is dialed
// later, from AnswerAgentLeg, once the agent answers.
func (e *EngineImpl) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	customer := strings.TrimSpace(req.CustomerNumber)
	agent := strings.TrimSpace(req.AgentNumber)
	if agent == "" {
		agent = e.cfg.NumberB
	}
	if customer == "" {
		return nil, fmt.Errorf("%w: customer_number is required", ErrInvalidNumber)
	}
	if err := ValidateNumber(customer); err != nil {
		return nil, fmt.Errorf("customer_number: %w", err)
	}
	if agent == "" {
		return nil, fmt.Errorf("%w: agent_number is required (or TWILIO_NUMBER_B must be set)", ErrNotConfigured)
	}
	if err := ValidateNumber(agent); err != nil {
		return nil, fmt.Errorf("agent_number: %w", err)
	}
	if e.cfg.NumberA == "" {
		return nil, fmt.Errorf("%w: TWILIO_NUMBER_A is not configured", ErrNotConfigured)
	}

	// Register before placing the call: the answer webhook can arrive before
	// CreateCall returns.
	token := e.newToken()
	e.mu.Lock()
	e.sessions[token] = &model.Session{
		ID:             token,
		Direction:      model.Outbound,
		AgentNumber:    agent,
		CustomerNumber: customer,
		CallerID:       e.cfg.NumberA,
		CreatedAt:      e.clock.Now(),
	}
	e.evictLocked()
	e.mu.Unlock()

	call, method, err := e.placer.PlaceCall(ctx, carrier.CallParams{
		From:                 e.cfg.NumberA,
		To:                   agent,
		AnswerURL:            e.bridgeURL(token, customer),
		StatusCallbackURL:    e.statusURL(token),
		StatusCallbackEvents: carrier.StatusCallbackEvents,
	})
	if err != nil {
		e.mu.Lock()
		e.removeSessionLocked(token)
		e.mu.Unlock()
		e.logger.Error("engine: agent leg not placed", "session_id", token, "to", agent, "error", err)
		return nil, err
	}

	e.mu.Lock()
	sess, ok := e.sessions[token]
	if ok {
		sess.AuthMethod = method
		if sess.AgentSID == "" {
			sess.AgentSID = call.SID
		}
		if _, tracked := e.legs[call.SID]; !tracked {
			e.legs[call.SID] = &model.Leg{
				SID:         call.SID,
				Role:        model.RoleAgent,
				Direction:   model.Outbound,
				PhoneNumber: agent,
				Status:      call.Status,
				SessionID:   token,
				UpdatedAt:   e.clock.Now(),
			}
		}
	}
	e.mu.Unlock()

	e.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", string(model.Outbound)),
		attribute.String("auth_method", string(method)),
	))
	e.logger.Info("engine: agent leg placed",
		"session_id", token, "sid", call.SID, "to", agent, "auth_method", method)
	e.publish(model.NewEvent(model.EventCallInitiated, model.CallInitiatedPayload{
		SID:        call.SID,
		To:         agent,
		Customer:   customer,
		SessionID:  token,
		AuthMethod: method,
	}))

	return &ConnectResult{SID: call.SID, AuthMethod: method, SessionID: token}, nil
}

// AnswerAgentLeg answers the agent leg's voice webhook. The customer is dialed
// only for a tracked session whose agent leg is live; anything else hangs up.
func (e *EngineImpl) AnswerAgentLeg(ctx context.Context, req AnswerRequest) (string, error) {
	status, hasStatus := model.ParseCallStatus(req.CallStatus)

	e.mu.Lock()
	sess := e.sessions[req.SessionToken]
	if sess == nil {
		if leg := e.legs[req.CallSid]; leg != nil && leg.Role == model.RoleAgent {
			sess = e.sessions[leg.SessionID]
		}
	}
	if sess == nil || sess.Direction != model.Outbound {
		e.mu.Unlock()
		e.logger.Warn("engine: answer for unknown session", "sid", req.CallSid, "session_id", req.SessionToken)
		return carrier.HangupResponse()
	}

	leg := e.attachLocked(sess, req.CallSid, model.RoleAgent, model.Outbound, sess.AgentNumber)
	if leg == nil || leg.Status.IsTerminal() || (hasStatus && status != model.CallInProgress) {
		e.mu.Unlock()
		e.logger.Warn("engine: agent leg not live, not dialing customer",
			"sid", req.CallSid, "session_id", sess.ID, "status", req.CallStatus)
		return carrier.HangupResponse()
	}

	customer := sess.CustomerNumber
	if customer == "" {
		customer = strings.TrimSpace(req.Customer)
	}
	if customer == "" {
		e.mu.Unlock()
		return carrier.SayResponse("Customer number missing. Goodbye.")
	}
	sess.Bridged = true
	sessionID := sess.ID
	callerID := sess.CallerID
	e.mu.Unlock()

	e.logger.Info("engine: agent answered, dialing customer", "sid", req.CallSid, "session_id", sessionID)
	return e.placer.DialMarkup(customer, callerID, carrier.WithStatusCallback(e.statusURL(sessionID)))
}

// IncomingCall answers a call to one of the carrier numbers by dialing the
// number configured for the other line.
func (e *EngineImpl) IncomingCall(ctx context.Context, req IncomingRequest) (string, error) {
	var destination, lineNumber string
	switch req.Line {
	case LineA:
		destination, lineNumber = e.cfg.NumberB, e.cfg.NumberA
	case LineB:
		destination, lineNumber = e.cfg.NumberA, e.cfg.NumberB
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLine, req.Line)
	}
	callerID := strings.TrimSpace(req.To)
	if callerID == "" {
		callerID = lineNumber
	}
	status, ok := model.ParseCallStatus(req.CallStatus)
	if !ok {
		status = model.CallRinging
	}

	e.mu.Lock()
	var sess *model.Session
	if leg := e.legs[req.CallSid]; leg != nil && req.CallSid != "" {
		// Carrier retry of the same webhook.
		sess = e.sessions[leg.SessionID]
	}
	isNew := sess == nil
	if isNew {
		now := e.clock.Now()
		sess = &model.Session{
			ID:             e.newToken(),
			Direction:      model.Inbound,
			CustomerSID:    req.CallSid,
			CustomerNumber: req.From,
			AgentNumber:    destination,
			CallerID:       callerID,
			CreatedAt:      now,
		}
		e.sessions[sess.ID] = sess
		if req.CallSid != "" {
			e.legs[req.CallSid] = &model.Leg{
				SID:         req.CallSid,
				Role:        model.RoleCustomer,
				Direction:   model.Inbound,
				PhoneNumber: req.From,
				Status:      status,
				SessionID:   sess.ID,
				UpdatedAt:   now,
			}
		}
		e.evictLocked()
	}
	if destination != "" {
		sess.Bridged = true
	}
	sessionID := sess.ID
	e.mu.Unlock()

	if isNew {
		e.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(model.Inbound))))
		e.logger.Info("engine: incoming call", "sid", req.CallSid, "from", req.From, "to", req.To, "line", req.Line)
		e.publish(model.NewEvent(model.EventIncomingCall, model.IncomingCallPayload{
			SID:       req.CallSid,
			From:      req.From,
			To:        req.To,
			Which:     strings.ToUpper(string(req.Line)),
			SessionID: sessionID,
		}))
	}

	if destination == "" {
		return carrier.SayResponse("No destination configured for this number.")
	}
	return e.placer.DialMarkup(destination, callerID, carrier.WithStatusCallback(e.statusURL(sessionID)))
}

// UpdateStatus applies a leg status webhook. A leg the engine has not seen is
// attached through ParentCallSid or the session token in the callback URL;
// otherwise ErrUnknownSession is returned.
func (e *EngineImpl) UpdateStatus(ctx context.Context, req StatusUpdate) error {
	status, ok := model.ParseCallStatus(req.CallStatus)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, req.CallStatus)
	}

	e.mu.Lock()
	leg := e.legs[req.CallSid]
	if leg == nil {
		leg = e.adoptLocked(req)
	}
	if leg == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, req.CallSid)
	}
	sess := e.sessions[leg.SessionID]

	if leg.Status.IsTerminal() && !status.IsTerminal() {
		e.mu.Unlock()
		e.logger.Debug("engine: ignoring status after terminal",
			"sid", leg.SID, "status", leg.Status, "late", status)
		return nil
	}
	leg.Status = status
	leg.UpdatedAt = e.clock.Now()

	bridged := false
	if sess != nil {
		e.updateEndedLocked(sess)
		bridged = sess.Bridged
	}
	payload := model.CallStatusPayload{
		SID:       leg.SID,
		Status:    status,
		Role:      leg.Role,
		SessionID: leg.SessionID,
		From:      req.From,
		To:        req.To,
		Timestamp: req.Timestamp,
		Bridged:   bridged,
	}
	e.mu.Unlock()

	e.logger.Info("engine: leg status", "sid", leg.SID, "role", payload.Role, "status", status, "session_id", payload.SessionID)
	e.publish(model.NewEvent(model.EventCallStatus, payload))
	return nil
}

// Snapshot returns a deep copy of the session table, oldest session first.
func (e *EngineImpl) Snapshot() *StateSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &StateSnapshot{
		Sessions:  make([]*model.Session, 0, len(e.sessions)),
		Legs:      make([]*model.Leg, 0, len(e.legs)),
		Timestamp: e.clock.Now(),
	}
	for _, sess := range e.sessions {
		sessCopy := *sess
		if sess.EndedAt != nil {
			ended := *sess.EndedAt
			sessCopy.EndedAt = &ended
		}
		snap.Sessions = append(snap.Sessions, &sessCopy)
	}
	for _, leg := range e.legs {
		legCopy := *leg
		snap.Legs = append(snap.Legs, &legCopy)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		if !snap.Sessions[i].CreatedAt.Equal(snap.Sessions[j].CreatedAt) {
			return snap.Sessions[i].CreatedAt.Before(snap.Sessions[j].CreatedAt)
		}
		return snap.Sessions[i].ID < snap.Sessions[j].ID
	})
	sort.Slice(snap.Legs, func(i, j int) bool {
		return snap.Legs[i].SID < snap.Legs[j].SID
	})
	return snap
}

// Session returns a copy of one session
func (s *StateSnapshot) Session(id string) (*model.Session, bool) {
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return nil, false
}

// Leg returns a copy of one leg
func (s *StateSnapshot) Leg(sid model.SID) (*model.Leg, bool) {
	for _, leg := range s.Legs {
		if leg.SID == sid {
			return leg, true
		}
	}
	return nil, false
}

// adoptLocked attaches an unseen leg to its session. Dialed child legs are
// found through their parent; legs reporting before CreateCall returned are
// found through the session token.
func (e *EngineImpl) adoptLocked(req StatusUpdate) *model.Leg {
	if req.CallSid == "" {
		return nil
	}
	if parent := e.legs[req.ParentCallSid]; parent != nil && req.ParentCallSid != "" {
		sess := e.sessions[parent.SessionID]
		if sess == nil {
			return nil
		}
		role := parent.Role.Other()
		return e.attachLocked(sess, req.CallSid, role, model.Outbound, numberFor(sess, role))
	}

	sess := e.sessions[req.SessionToken]
	if sess == nil {
		return nil
	}
	var role model.LegRole
	switch {
	case sess.Direction == model.Outbound && sess.AgentSID == "":
		role = model.RoleAgent
	case sess.Direction == model.Outbound && sess.CustomerSID == "":
		role = model.RoleCustomer
	case sess.Direction == model.Inbound && sess.AgentSID == "":
		role = model.RoleAgent
	default:
		return nil
	}
	return e.attachLocked(sess, req.CallSid, role, model.Outbound, numberFor(sess, role))
}

// attachLocked returns the leg for sid, creating it in sess with role when it
// is new. It returns nil when sess already holds a different leg in that role.
func (e *EngineImpl) attachLocked(sess *model.Session, sid model.SID, role model.LegRole, dir model.Direction, number string) *model.Leg {
	if leg := e.legs[sid]; leg != nil {
		return leg
	}
	if existing := sess.LegSID(role); existing != "" && existing != sid {
		return nil
	}
	if sid == "" {
		return nil
	}
	leg := &model.Leg{
		SID:         sid,
		Role:        role,
		Direction:   dir,
		PhoneNumber: number,
		Status:      model.CallQueued,
		SessionID:   sess.ID,
		UpdatedAt:   e.clock.Now(),
	}
	e.legs[sid] = leg
	if role == model.RoleAgent {
		sess.AgentSID = sid
	} else {
		sess.CustomerSID = sid
	}
	if sess.Ended() {
		sess.EndedAt = nil
	}
	return leg
}

// updateEndedLocked marks sess ended once every leg it has is terminal.
func (e *EngineImpl) updateEndedLocked(sess *model.Session) {
	hasLeg := false
	for _, sid := range []model.SID{sess.AgentSID, sess.CustomerSID} {
		if sid == "" {
			continue
		}
		leg := e.legs[sid]
		if leg == nil {
			continue
		}
		hasLeg = true
		if !leg.Status.IsTerminal() {
			sess.EndedAt = nil
			return
		}
	}
	if hasLeg && sess.EndedAt == nil {
		now := e.clock.Now()
		sess.EndedAt = &now
	}
}

// evictLocked drops sessions beyond maxSessions, oldest ended sessions first.
func (e *EngineImpl) evictLocked() {
	excess := len(e.sessions) - e.maxSessions
	if excess <= 0 {
		return
	}
	candidates := make([]*model.Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		candidates = append(candidates, sess)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Ended() != b.Ended() {
			return a.Ended()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for _, sess := range candidates[:excess] {
		e.logger.Debug("engine: evicting session", "session_id", sess.ID, "ended", sess.Ended())
		e.removeSessionLocked(sess.ID)
	}
}

func (e *EngineImpl) removeSessionLocked(id string) {
	sess := e.sessions[id]
	if sess == nil {
		return
	}
	for _, sid := range []model.SID{sess.AgentSID, sess.CustomerSID} {
		if leg := e.legs[sid]; leg != nil && leg.SessionID == id {
			delete(e.legs, sid)
		}
	}
	delete(e.sessions, id)
}

func (e *EngineImpl) bridgeURL(token, customer string) string {
	q := url.Values{}
	q.Set("session", token)
	q.Set("customer", customer)
	return e.cfg.BaseURL + "/api/voice/bridge?" + q.Encode()
}

func (e *EngineImpl) statusURL(token string) string {
	q := url.Values{}
	q.Set("session", token)
	return e.cfg.BaseURL + "/api/voice/status?" + q.Encode()
}

func (e *EngineImpl) publish(event model.Event) {
	if e.publisher != nil {
		e.publisher.Publish(event)
	}
}

func numberFor(sess *model.Session, role model.LegRole) string {
	if role == model.RoleAgent {
		return sess.AgentNumber
	}
	return sess.CustomerNumber
}
