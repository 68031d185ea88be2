// Command escrowctl runs operator tasks against the escrow database:
// one-off auto-release sweeps, reconciliation, dispute resolution and
// claim recovery. It talks to the same store and processor as the server.
//
// Usage:
//
//	escrowctl sweep
//	escrowctl reconcile
//	escrowctl show esc_...
//	escrowctl resolve esc_... --outcome refund --note "no-show"
//	escrowctl recover esc_...
//	escrowctl token --subject u_123 --role client
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/escrow"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// operatorActor is recorded as the actor of CLI-driven transitions.
var operatorActor = escrow.Actor{ID: "ops:escrowctl", Admin: true}

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(openApp, loadVerifier, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd(open appOpener, verifier func() (*auth.Verifier, error), out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate escrows outside the request path",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)

	// withApp opens the dependencies for one command and closes them after.
	withApp := func(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return codeError(3, "%s", err)
			}
			defer a.Close()
			return run(cmd.Context(), a, args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Release every held escrow whose hold window has passed",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			n, err := a.timer.Sweep(ctx)
			if err != nil {
				return err
			}
			return writeJSON(out, map[string]any{"released": n})
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recover stale claims and report escrows needing attention",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			report, err := a.reconciler.RunAll(ctx)
			if err != nil {
				return err
			}
			if err := writeJSON(out, report); err != nil {
				return err
			}
			if report.RecoveryFailures > 0 {
				return codeError(2, "%d claim(s) could not be recovered", report.RecoveryFailures)
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "show <escrow-id>",
		Short: "Print an escrow with its conversation and dispute",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			view, err := a.escrows.Status(ctx, operatorActor, args[0])
			if err != nil {
				return err
			}
			return writeJSON(out, view)
		}),
	})

	var outcome, note string
	resolveCmd := &cobra.Command{
		Use:   "resolve <escrow-id>",
		Short: "Resolve an open dispute by releasing or refunding",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			p, err := a.escrows.ResolveDispute(ctx, operatorActor, args[0], escrow.Outcome(outcome), note)
			if err != nil {
				return err
			}
			return writeJSON(out, p)
		}),
	}
	resolveCmd.Flags().StringVar(&outcome, "outcome", "", "release or refund")
	resolveCmd.Flags().StringVar(&note, "note", "", "Resolution note recorded on the dispute")
	_ = resolveCmd.MarkFlagRequired("outcome")
	root.AddCommand(resolveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "recover <escrow-id>",
		Short: "Re-drive an interrupted release or refund",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			p, err := a.escrows.RecoverClaim(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(out, p)
		}),
	})

	var (
		subject, role, email string
		ttl                  time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			r := auth.Role(role)
			if !r.Valid() {
				return codeError(3, "invalid role %q", role)
			}
			v, err := verifier()
			if err != nil {
				return codeError(3, "%s", err)
			}
			tok, err := v.Issue(auth.Identity{Subject: subject, Role: r, Email: email}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, tok)
			return err
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "User id")
	tokenCmd.Flags().StringVar(&role, "role", string(auth.RoleClient), "client, provider or admin")
	tokenCmd.Flags().StringVar(&email, "email", "", "Email claim")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
	root.AddCommand(tokenCmd)

	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
