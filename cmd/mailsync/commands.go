package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/idle"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/queue"
	"github.com/nhle/mailsync/internal/source/gmail"
	msync "github.com/nhle/mailsync/internal/sync"
)

// withApp opens the app for the duration of run.
func withApp(o *rootOptions, run func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, o)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.log.Warn().Err(err).Msg("closing")
			}
		}()
		if err := run(ctx, a); err != nil {
			if msync.IsCanceled(err) {
				return nil
			}
			a.log.Error().Err(err).Msg(cmd.Name() + " failed")
			return err
		}
		return nil
	}
}

func newServeCmd(o *rootOptions) *cobra.Command {
	var (
		workers  int
		noListen bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled fetch passes, backfill jobs and IDLE listeners",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "Accounts processed in parallel")
	cmd.Flags().BoolVar(&noListen, "no-listen", false, "Do not hold IDLE connections")
	cmd.RunE = withApp(o, func(ctx context.Context, a *app) error {
		eng, err := a.engine(ctx)
		if err != nil {
			return err
		}
		sched := msync.NewScheduler(a.store, eng.fetcher, eng.backfill, a.queue, a.cfg.Fetch.Interval(), workers, a.log)
		if _, local := a.queue.(*queue.Local); local {
			// Nothing else consumes the in-process queue.
			sched.Outbound = func(_ context.Context, job queue.Job) error {
				a.log.Info().Str("account", job.AccountID).Msg("outbound delivery requested")
				return nil
			}
		}

		accounts, err := a.store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		var l *idle.Listener
		if !noListen {
			if l, err = a.listener(ctx); err != nil {
				return err
			}
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.serveMetrics(ctx) })
		g.Go(func() error { return sched.Run(ctx) })
		if l != nil {
			g.Go(func() error { return l.Serve(ctx, accounts) })
		}
		a.log.Info().Int("accounts", len(accounts)).Bool("idle", l != nil).Msg("serving")
		return g.Wait()
	})
	return cmd
}

func newFetchCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [account-id...]",
		Short: "Run one fetch pass for the given accounts, or all accounts",
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(o, func(ctx context.Context, a *app) error {
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			accounts, err := a.accounts(ctx, args)
			if err != nil {
				return err
			}
			var errs []error
			for i := range accounts {
				res, err := eng.fetcher.Run(ctx, &accounts[i])
				if err != nil {
					errs = append(errs, fmt.Errorf("account %s: %w", accounts[i].ID, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s created=%d known=%d failed=%d next=%d\n",
					res.AccountID, res.Plan.Mode, res.Created, res.Known, res.Failed, res.Cursor.NextMarker)
			}
			return errors.Join(errs...)
		})(cmd, args)
	}
	return cmd
}

func newListenCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen [account-id...]",
		Short: "Hold IDLE connections and queue a fetch pass on new mail",
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(o, func(ctx context.Context, a *app) error {
			l, err := a.listener(ctx)
			if err != nil {
				return err
			}
			accounts, err := a.accounts(ctx, args)
			if err != nil {
				return err
			}
			return l.Serve(ctx, accounts)
		})(cmd, args)
	}
	return cmd
}

func newBackfillCmd(o *rootOptions) *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "backfill <account-id>",
		Short: "Look up missing UIDs and thread ids of outbound messages",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Int64SliceVar(&ids, "message", nil, "Message ids to resolve (default: all missing)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(o, func(ctx context.Context, a *app) error {
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			acct, err := a.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			return eng.backfill.Run(ctx, acct, ids)
		})(cmd, args)
	}
	return cmd
}

func newResyncCmd(o *rootOptions) *cobra.Command {
	var mailbox string
	cmd := &cobra.Command{
		Use:   "resync <account-id>",
		Short: "Forget the mailbox cursor so the next pass rescans everything",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&mailbox, "mailbox", gmail.DefaultAllMail, "Mailbox whose cursor is dropped")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(o, func(ctx context.Context, a *app) error {
			if _, err := a.store.GetAccount(ctx, args[0]); err != nil {
				return err
			}
			if err := a.store.DeleteCursor(ctx, args[0], mailbox); err != nil {
				return err
			}
			a.log.Info().Str("account", args[0]).Str("mailbox", mailbox).Msg("cursor removed")
			return nil
		})(cmd, args)
	}
	return cmd
}

func newSecretCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage account secrets in the keyring",
	}
	var name string
	set := &cobra.Command{
		Use:   "set <account-id>",
		Short: "Store a password or OAuth refresh token, read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
	}
	set.Flags().StringVar(&name, "kind", credential.SecretPassword,
		fmt.Sprintf("Secret kind: %s or %s", credential.SecretPassword, credential.SecretRefreshToken))
	set.RunE = func(cmd *cobra.Command, args []string) error {
		if name != credential.SecretPassword && name != credential.SecretRefreshToken {
			return fmt.Errorf("unknown secret kind %q", name)
		}
		return withApp(o, func(ctx context.Context, a *app) error {
			if _, ok := a.cfg.Account(args[0]); !ok {
				return fmt.Errorf("account %q is not configured", args[0])
			}
			value, err := readSecret(cmd, name)
			if err != nil {
				return err
			}
			k, err := a.openKeyring()
			if err != nil {
				return err
			}
			if err := k.Set(args[0], name, value); err != nil {
				return err
			}
			a.log.Info().Str("account", args[0]).Str("kind", name).Msg("secret stored")
			return nil
		})(cmd, args)
	}
	cmd.AddCommand(set)
	return cmd
}

func readSecret(cmd *cobra.Command, name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", strings.ReplaceAll(name, "_", " "))
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		return strings.TrimSpace(string(b)), checkSecret(name, string(b))
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return strings.TrimSpace(line), checkSecret(name, line)
}

func checkSecret(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	return nil
}

// newDeliveryCmd lets the outbound pipeline report delivery outcomes.
func newDeliveryCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Record delivery outcomes of outbound messages",
	}

	transition := func(use, short string, apply func(ctx context.Context, eng *engine, m *model.Message, reason string) error) *cobra.Command {
		var reason string
		c := &cobra.Command{Use: use + " <message-id>", Short: short, Args: cobra.ExactArgs(1)}
		if use == "failed" {
			c.Flags().StringVar(&reason, "reason", "", "Error reported by the delivery mechanism")
		}
		c.RunE = func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			return withApp(o, func(ctx context.Context, a *app) error {
				eng, err := a.engine(ctx)
				if err != nil {
					return err
				}
				m, err := a.store.GetMessage(ctx, id)
				if err != nil {
					return err
				}
				if err := apply(ctx, eng, m, reason); err != nil {
					return err
				}
				a.log.Info().
					Int64("message", m.ID).
					Str("to", logging.Addr(m.To)).
					Str("status", string(m.DeliveryStatus)).
					Msg("delivery status recorded")
				return nil
			})(cmd, args)
		}
		return c
	}

	cmd.AddCommand(
		transition("dispatch", "Mark a message as handed to the delivery mechanism",
			func(ctx context.Context, eng *engine, m *model.Message, _ string) error {
				return eng.machine.Dispatch(ctx, m)
			}),
		transition("sent", "Mark a message as accepted for delivery",
			func(ctx context.Context, eng *engine, m *model.Message, _ string) error {
				return eng.machine.Sent(ctx, m)
			}),
		transition("failed", "Mark a message as failed to send",
			func(ctx context.Context, eng *engine, m *model.Message, reason string) error {
				return eng.machine.Failed(ctx, m, errors.New(reason))
			}),
		transition("retry", "Queue a failed message for another attempt",
			func(ctx context.Context, eng *engine, m *model.Message, _ string) error {
				return eng.machine.Retry(ctx, m)
			}),
	)
	return cmd
}
