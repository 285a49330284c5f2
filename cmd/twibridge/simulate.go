package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/config"
	"github.com/sprucehealth/twibridge/credential"
	"github.com/sprucehealth/twibridge/engine"
	"github.com/sprucehealth/twibridge/httpstub"
	"github.com/sprucehealth/twibridge/model"
)

// Twilio magic test numbers, used when none are configured.
const (
	simNumberA = "+15005550006"
	simNumberB = "+15005550001"
)

type simulateOptions struct {
	customer        string
	agent           string
	from            string
	line            string
	rejectAuthToken bool
}

func newSimulateCmd(load loadFunc) *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a call through the bridge against a simulated carrier",
		Long: `simulate starts the bridge on a loopback port with the carrier replaced
by an in-process simulator, drives one call through it with signed webhooks,
and prints the events an operator console would have received.`,
	}

	outbound := &cobra.Command{
		Use:   "outbound",
		Short: "Place an agent leg, answer it and bridge the customer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, opts, simulateOutbound)
		},
	}
	outbound.Flags().StringVar(&opts.customer, "customer", "+12025550123", "customer number to bridge")
	outbound.Flags().StringVar(&opts.agent, "agent", "", "agent number (defaults to TWILIO_NUMBER_B)")
	outbound.Flags().BoolVar(&opts.rejectAuthToken, "reject-auth-token", false, "have the carrier reject the auth token to exercise the API key fallback")

	incoming := &cobra.Command{
		Use:   "incoming",
		Short: "Deliver an inbound call to one of the carrier numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.line != string(engine.LineA) && opts.line != string(engine.LineB) {
				return fmt.Errorf("--line must be %q or %q", engine.LineA, engine.LineB)
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, opts, simulateIncoming)
		},
	}
	incoming.Flags().StringVar(&opts.from, "from", "+12025550123", "caller number")
	incoming.Flags().StringVar(&opts.line, "line", "a", "carrier number called: a or b")

	cmd.AddCommand(outbound, incoming)
	return cmd
}

// simulation is the running bridge plus the simulated carrier
type simulation struct {
	cfg  config.Config
	app  *app
	sim  *httpstub.Simulator
	http *http.Client
	out  io.Writer
}

type scenario func(ctx context.Context, s *simulation, opts simulateOptions) error

func runSimulate(ctx context.Context, out, errOut io.Writer, cfg config.Config, opts simulateOptions, run scenario) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg.LogLevel, errOut)
	applySimulatedDefaults(&cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("simulate: listen: %w", err)
	}
	cfg.BackendURL = "http://" + ln.Addr().String()
	cfg.ListenAddr = ln.Addr().String()

	sim := httpstub.NewSimulator(httpstub.NewDefaultWebhookClient(10*time.Second),
		httpstub.WithSigningToken(cfg.AuthToken),
		httpstub.WithAccountSID(cfg.AccountSID),
		httpstub.WithSimulatorLogger(logger))
	if opts.rejectAuthToken {
		sim.Reject(model.AuthToken)
	}

	a := newApp(cfg, logger, func(set credential.Set) (carrier.Client, error) {
		return sim.Client(set.Method), nil
	})
	sub := a.bus.Subscribe()

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()
	defer func() {
		a.bus.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.server.Stop(sctx)
		<-serveErr
	}()

	s := &simulation{cfg: cfg, app: a, sim: sim, http: &http.Client{Timeout: 30 * time.Second}, out: out}
	runErr := run(ctx, s, opts)

	// Every publish happens inside a webhook the simulator has already seen
	// answered, so the subscription holds the complete history.
	fmt.Fprintln(out, "events:")
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			payload, _ := json.Marshal(ev.Payload)
			fmt.Fprintf(out, "  %-15s %s\n", ev.Kind, payload)
		default:
			drained = true
		}
	}
	sub.Close()
	return runErr
}

func applySimulatedDefaults(cfg *config.Config) {
	if cfg.NumberA == "" {
		cfg.NumberA = simNumberA
	}
	if cfg.NumberB == "" {
		cfg.NumberB = simNumberB
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = "ACSIMULATED00000000000000000000000"
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = "simulated-auth-token"
	}
	if cfg.APIKeySID == "" {
		cfg.APIKeySID = "SKSIMULATED00000000000000000000000"
	}
	if cfg.APIKeySecret == "" {
		cfg.APIKeySecret = "simulated-api-key-secret"
	}
	cfg.ValidateWebhooks = true
	if cfg.EventBufferSize < 256 {
		cfg.EventBufferSize = 256
	}
}

func simulateOutbound(ctx context.Context, s *simulation, opts simulateOptions) error {
	body, _ := json.Marshal(engine.ConnectRequest{CustomerNumber: opts.customer, AgentNumber: opts.agent})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BackendURL+"/api/call/connect", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("simulate: connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("simulate: connect answered %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var res engine.ConnectResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("simulate: decode connect response: %w", err)
	}
	fmt.Fprintf(s.out, "agent leg %s placed with %s\n", res.SID, res.AuthMethod)

	markup, err := s.sim.Answer(ctx, res.SID)
	if err != nil {
		return err
	}
	if number, callerID, ok := markup.DialedNumber(); ok {
		fmt.Fprintf(s.out, "agent answered, bridge dialed %s from %s\n", number, callerID)
	} else {
		fmt.Fprintln(s.out, "agent answered, bridge did not dial")
	}

	if err := s.sim.Hangup(ctx, res.SID); err != nil {
		return err
	}
	return s.printSession(res.SessionID)
}

func simulateIncoming(ctx context.Context, s *simulation, opts simulateOptions) error {
	to := s.cfg.NumberA
	if engine.Line(opts.line) == engine.LineB {
		to = s.cfg.NumberB
	}
	sid, markup, err := s.sim.Incoming(ctx, s.cfg.BackendURL+"/api/voice/incoming/"+opts.line, opts.from, to)
	if err != nil {
		return err
	}
	if number, callerID, ok := markup.DialedNumber(); ok {
		fmt.Fprintf(s.out, "inbound call %s to %s forwarded to %s from %s\n", sid, to, number, callerID)
	} else {
		fmt.Fprintf(s.out, "inbound call %s to %s was not forwarded\n", sid, to)
	}
	if err := s.sim.Hangup(ctx, sid); err != nil {
		return err
	}

	snap := s.app.engine.Snapshot()
	if leg, ok := snap.Leg(sid); ok {
		return s.printSession(leg.SessionID)
	}
	return nil
}

func (s *simulation) printSession(id string) error {
	sess, ok := s.app.engine.Snapshot().Session(id)
	if !ok {
		return fmt.Errorf("simulate: session %s not tracked", id)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "session:\n%s\n", data)
	return nil
}
