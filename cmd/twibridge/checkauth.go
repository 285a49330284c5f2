package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/config"
	"github.com/sprucehealth/twibridge/credential"
	"github.com/sprucehealth/twibridge/engine"
)

var errCheckFailed = errors.New("carrier configuration check failed")

func newCheckAuthCmd(load loadFunc) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check-auth",
		Short: "Verify the carrier credentials and numbers",
		Long: `check-auth fetches the account with every configured credential set
and validates both carrier numbers. It exits non-zero when no credential set
is accepted or a number is missing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
			sel := credential.NewSelector(credentialsFrom(cfg), twilioFactory(logger), credential.WithLogger(logger))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runCheckAuth(ctx, cmd.OutOrStdout(), cfg, sel)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall time limit for the carrier requests")
	return cmd
}

func runCheckAuth(ctx context.Context, out io.Writer, cfg config.Config, sel *credential.Selector) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tCONFIGURED\tRESULT\tDETAIL")

	accepted := 0
	for _, v := range sel.VerifyAll(ctx) {
		result, detail := "skipped", "not configured"
		switch {
		case v.OK():
			accepted++
			result = "ok"
			detail = fmt.Sprintf("%s (%s)", v.Account.FriendlyName, v.Account.Status)
		case v.Err != nil:
			result = "failed"
			detail = string(carrier.KindOf(v.Err)) + ": " + v.Err.Error()
		case v.Configured && !v.Available:
			result = "unavailable"
			detail = "account SID missing or client could not be built"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", v.Method, v.Configured, result, detail)
	}

	numbersOK := true
	for _, n := range []struct{ key, value string }{
		{config.KeyNumberA, cfg.NumberA},
		{config.KeyNumberB, cfg.NumberB},
	} {
		detail := n.value
		result := "ok"
		if n.value == "" {
			result, detail, numbersOK = "missing", "not set", false
		} else if err := engine.ValidateNumber(n.value); err != nil {
			result, detail, numbersOK = "invalid", err.Error(), false
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", n.key, n.value != "", result, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if accepted == 0 {
		return fmt.Errorf("%w: no credential set was accepted", errCheckFailed)
	}
	if !numbersOK {
		return fmt.Errorf("%w: carrier numbers are not configured", errCheckFailed)
	}
	return nil
}
