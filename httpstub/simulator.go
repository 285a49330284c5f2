package httpstub

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/twiml"
)

const apiVersion = "2010-04-01"

// SimCall is one leg as the simulated carrier sees it
type SimCall struct {
	SID            model.SID
	ParentSID      model.SID
	From           string
	To             string
	Direction      string
	AnswerURL      string
	StatusCallback string
	Status         model.CallStatus
	Children       []model.SID
	AuthMethod     model.AuthMethod

	sequence int
}

// Simulator stands in for the carrier: it accepts create-call requests and
// drives the resulting legs by posting the same webhooks the carrier would.
type Simulator struct {
	webhook    WebhookClient
	accountSID string
	authToken  string
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	calls    map[model.SID]*SimCall
	rejected map[model.AuthMethod]bool
	counter  atomic.Uint64
}

// SimulatorOption configures a Simulator
type SimulatorOption func(*Simulator)

// WithSigningToken signs every webhook with X-Twilio-Signature using token.
func WithSigningToken(token string) SimulatorOption {
	return func(s *Simulator) {
		s.authToken = token
	}
}

// WithAccountSID sets the AccountSid reported in webhooks
func WithAccountSID(sid string) SimulatorOption {
	return func(s *Simulator) {
		s.accountSID = sid
	}
}

// WithSimulatorLogger sets the logger
func WithSimulatorLogger(logger *slog.Logger) SimulatorOption {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// WithNow sets the time source for webhook timestamps
func WithNow(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		s.now = now
	}
}

// NewSimulator creates a simulator that delivers webhooks through webhook.
func NewSimulator(webhook WebhookClient, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		webhook:    webhook,
		accountSID: "ACFAKE00000000000000000000000000",
		logger:     slog.Default(),
		now:        time.Now,
		calls:      make(map[model.SID]*SimCall),
		rejected:   make(map[model.AuthMethod]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns a carrier.Client whose calls are placed on the simulator.
func (s *Simulator) Client(method model.AuthMethod) carrier.Client {
	return &simClient{sim: s, method: method}
}

// Reject makes requests authenticated with method fail as the carrier
// rejects bad credentials.
func (s *Simulator) Reject(method model.AuthMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[method] = true
}

// Call returns a copy of the leg with sid
func (s *Simulator) Call(sid model.SID) (SimCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[sid]
	if !ok {
		return SimCall{}, false
	}
	cp := *c
	cp.Children = append([]model.SID(nil), c.Children...)
	return cp, true
}

// Answer answers an outbound leg: it reports initiated, ringing and answered
// to the status callback, fetches the answer URL and carries out a returned
// dial. The parsed reply is returned.
func (s *Simulator) Answer(ctx context.Context, sid model.SID) (*twiml.Response, error) {
	call, ok := s.Call(sid)
	if !ok {
		return nil, fmt.Errorf("simulator: unknown call %s", sid)
	}
	for _, status := range []model.CallStatus{model.CallInitiated, model.CallRinging, model.CallInProgress} {
		if err := s.SetStatus(ctx, sid, status); err != nil {
			return nil, err
		}
	}
	return s.fetchVoice(ctx, sid, call.AnswerURL)
}

// Incoming starts an inbound call to one of the carrier numbers by posting its
// voice webhook to voiceURL.
func (s *Simulator) Incoming(ctx context.Context, voiceURL, from, to string) (model.SID, *twiml.Response, error) {
	call := &SimCall{
		SID:       s.newSID(),
		From:      from,
		To:        to,
		Direction: "inbound",
		AnswerURL: voiceURL,
		Status:    model.CallRinging,
	}
	s.mu.Lock()
	s.calls[call.SID] = call
	s.mu.Unlock()

	resp, err := s.fetchVoice(ctx, call.SID, voiceURL)
	return call.SID, resp, err
}

// Hangup completes the leg and every leg it dialed.
func (s *Simulator) Hangup(ctx context.Context, sid model.SID) error {
	call, ok := s.Call(sid)
	if !ok {
		return fmt.Errorf("simulator: unknown call %s", sid)
	}
	for _, child := range call.Children {
		if err := s.SetStatus(ctx, child, model.CallCompleted); err != nil {
			return err
		}
	}
	return s.SetStatus(ctx, sid, model.CallCompleted)
}

// SetStatus moves a leg to status and reports it to the leg's status callback.
func (s *Simulator) SetStatus(ctx context.Context, sid model.SID, status model.CallStatus) error {
	s.mu.Lock()
	call, ok := s.calls[sid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("simulator: unknown call %s", sid)
	}
	call.Status = status
	call.sequence++
	form := s.buildCallbackForm(call)
	form.Set("SequenceNumber", strconv.Itoa(call.sequence-1))
	form.Set("CallbackSource", "call-progress-events")
	target := call.StatusCallback
	s.mu.Unlock()

	if target == "" {
		return nil
	}
	code, _, _, err := s.post(ctx, target, form)
	if err != nil {
		return fmt.Errorf("simulator: status callback for %s: %w", sid, err)
	}
	if code/100 != 2 {
		return fmt.Errorf("simulator: status callback for %s answered %d", sid, code)
	}
	return nil
}

func (s *Simulator) fetchVoice(ctx context.Context, sid model.SID, voiceURL string) (*twiml.Response, error) {
	s.mu.Lock()
	call, ok := s.calls[sid]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("simulator: unknown call %s", sid)
	}
	form := s.buildCallbackForm(call)
	s.mu.Unlock()

	code, body, _, err := s.post(ctx, voiceURL, form)
	if err != nil {
		return nil, fmt.Errorf("simulator: voice webhook for %s: %w", sid, err)
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("simulator: voice webhook for %s answered %d", sid, code)
	}
	resp, err := twiml.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("simulator: voice webhook for %s: %w", sid, err)
	}
	if err := s.execute(ctx, sid, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// execute carries out the verbs the simulator models: the first <Dial>
// creates a child leg, <Hangup> ends the leg.
func (s *Simulator) execute(ctx context.Context, parent model.SID, resp *twiml.Response) error {
	for _, node := range resp.Children {
		switch n := node.(type) {
		case *twiml.Dial:
			return s.dial(ctx, parent, n)
		case *twiml.Hangup:
			return s.SetStatus(ctx, parent, model.CallCompleted)
		}
	}
	return nil
}

func (s *Simulator) dial(ctx context.Context, parent model.SID, d *twiml.Dial) error {
	child := &SimCall{
		SID:       s.newSID(),
		ParentSID: parent,
		To:        d.Number,
		From:      d.CallerID,
		Direction: "outbound-dial",
		Status:    model.CallQueued,
	}
	for _, c := range d.Children {
		if n, ok := c.(*twiml.Number); ok {
			child.To = n.Number
			child.StatusCallback = n.StatusCallback
			break
		}
	}

	s.mu.Lock()
	p, ok := s.calls[parent]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("simulator: unknown parent %s", parent)
	}
	if child.From == "" {
		child.From = p.From
	}
	p.Children = append(p.Children, child.SID)
	s.calls[child.SID] = child
	s.mu.Unlock()

	for _, status := range []model.CallStatus{model.CallInitiated, model.CallRinging, model.CallInProgress} {
		if err := s.SetStatus(ctx, child.SID, status); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) place(method model.AuthMethod, p carrier.CallParams) (*carrier.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected[method] {
		return nil, &client.TwilioRestError{
			Code:     carrier.ErrorCodeAuthenticate,
			Status:   http.StatusUnauthorized,
			Message:  "Authenticate",
			MoreInfo: "https://www.twilio.com/docs/errors/20003",
		}
	}
	call := &SimCall{
		SID:            s.newSID(),
		From:           p.From,
		To:             p.To,
		Direction:      "outbound-api",
		AnswerURL:      p.AnswerURL,
		StatusCallback: p.StatusCallbackURL,
		Status:         model.CallQueued,
		AuthMethod:     method,
	}
	s.calls[call.SID] = call
	return &carrier.Call{SID: call.SID, Status: call.Status, From: call.From, To: call.To}, nil
}

// buildCallbackForm builds form data for carrier-style callbacks
func (s *Simulator) buildCallbackForm(call *SimCall) url.Values {
	form := url.Values{}
	form.Set("CallSid", string(call.SID))
	form.Set("AccountSid", s.accountSID)
	form.Set("From", call.From)
	form.Set("To", call.To)
	form.Set("CallStatus", string(call.Status))
	form.Set("Direction", call.Direction)
	form.Set("ApiVersion", apiVersion)
	form.Set("Timestamp", s.now().UTC().Format(time.RFC1123Z))
	if call.ParentSID != "" {
		form.Set("ParentCallSid", string(call.ParentSID))
	}
	return form
}

func (s *Simulator) post(ctx context.Context, target string, form url.Values) (int, []byte, http.Header, error) {
	header := make(http.Header)
	if s.authToken != "" {
		header.Set("X-Twilio-Signature", Sign(s.authToken, target, form))
	}
	s.logger.Debug("simulator: webhook", "url", target, "call_sid", form.Get("CallSid"), "status", form.Get("CallStatus"))
	return s.webhook.POST(ctx, target, form, header)
}

func (s *Simulator) newSID() model.SID {
	b := make([]byte, 7)
	rand.Read(b)
	return model.SID(fmt.Sprintf("CASIM%015x%s", s.counter.Add(1), hex.EncodeToString(b)[:14]))
}

// Sign computes the X-Twilio-Signature of a form POST to fullURL.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := fullURL
	for _, k := range keys {
		for _, v := range form[k] {
			data += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type simClient struct {
	sim    *Simulator
	method model.AuthMethod
}

func (c *simClient) Method() model.AuthMethod {
	return c.method
}

func (c *simClient) CreateCall(ctx context.Context, params carrier.CallParams) (*carrier.Call, error) {
	call, err := c.sim.place(c.method, params)
	if err != nil {
		return nil, carrier.Classify(err)
	}
	return call, nil
}

func (c *simClient) FetchAccount(ctx context.Context) (*carrier.Account, error) {
	c.sim.mu.Lock()
	rejected := c.sim.rejected[c.method]
	c.sim.mu.Unlock()
	if rejected {
		return nil, &carrier.Error{Kind: carrier.KindAuthorization, Code: carrier.ErrorCodeAuthenticate, Status: http.StatusUnauthorized, Message: "Authenticate"}
	}
	return &carrier.Account{SID: c.sim.accountSID, FriendlyName: "Simulated", Status: "active"}, nil
}

func (c *simClient) VoiceResponseDial(target, callerID string, opts ...carrier.DialOption) (string, error) {
	return carrier.DialResponse(target, callerID, opts...)
}
