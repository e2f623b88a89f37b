package cli

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventbus/pkg/eventbus"
	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

func newMigrateCommand(opts *options) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the bus tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.settings()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), s, newLogger(cmd.ErrOrStderr(), s.Log))
			if err != nil {
				return err
			}
			defer st.Close()

			if printOnly {
				for _, stmt := range st.Schema() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", strings.TrimSpace(stmt))
				}
				return nil
			}
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", st.Driver())
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the DDL instead of running it")
	return cmd
}

func newPublishCommand(opts *options) *cobra.Command {
	var (
		req      eventbus.PublishRequest
		payload  string
		attempts int
		backoff  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish TYPE",
		Short: "Publish an event",
		Example: `  eventbusd publish order.created --tenant acme --payload '{"id":42}'
  eventbusd publish user.deleted --tenant acme --ttl 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			req.Type = args[0]
			if payload != "" {
				req.Payload = json.RawMessage(payload)
			}
			res := buserrors.WithRetryContext(cmd.Context(), publishRetry(attempts, backoff),
				func(ctx context.Context) (string, error) {
					return rt.bus.Publish(ctx, req)
				})
			if res.Err != nil {
				return publishFailure(res.Err, res.Attempts)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Value)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.TenantID, "tenant", "", "Tenant id (required)")
	f.StringVar(&req.Source, "source", "cli", "Event source")
	f.StringVar(&req.CompanyID, "company", "", "Company id")
	f.StringVar(&req.UserID, "user", "", "User id")
	f.StringVar(&payload, "payload", "", "JSON payload")
	f.DurationVar(&req.TTL, "ttl", 0, "Time to live (default publish.default_ttl)")
	f.IntVar(&req.MaxRetries, "max-retries", 0, "Attempt limit (default publish.max_retries)")
	f.IntVar(&attempts, "attempts", 3, "Publish attempts when the store rejects the insert")
	f.DurationVar(&backoff, "retry-backoff", 200*time.Millisecond, "Wait before the second publish attempt, doubled after each")
	return cmd
}

// publishRetry retries only store failures. Invalid requests fail at once.
func publishRetry(attempts int, backoff time.Duration) buserrors.RetryConfig {
	return buserrors.RetryConfig{
		MaxAttempts:    max(attempts, 1),
		InitialBackoff: backoff,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.1,
		RetryableFunc: func(err error) bool {
			var pe *eventbus.PublishError
			return errors.As(err, &pe)
		},
	}
}

// publishFailure strips the retry wrapper so callers see the publish error.
func publishFailure(err error, attempts int) error {
	var cerr *buserrors.CategorizedError
	if errors.As(err, &cerr) && cerr.Err != nil {
		err = cerr.Err
	}
	if attempts > 1 {
		return fmt.Errorf("publish failed after %d attempts: %w", attempts, err)
	}
	return err
}

func newEventCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "event ID",
		Short: "Show an event and its handler records as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			evt, err := rt.bus.Event(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("event %s: %w", args[0], err)
			}
			recs, err := rt.bus.HandlerRecords(cmd.Context(), evt.ID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"event":   evt,
				"records": recs,
			})
		},
	}
}

func newArchivedCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "archived ID",
		Short: "Show an archived event as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.archive == nil {
				return fmt.Errorf("archive.driver is none")
			}
			entry, err := rt.archive.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("archived event %s: %w", args[0], err)
			}
			return writeJSON(cmd.OutOrStdout(), entry)
		},
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show event counts by status and subscription totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.bus.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, status := range []event.Status{
				event.StatusPending, event.StatusProcessing, event.StatusCompleted, event.StatusFailed,
			} {
				fmt.Fprintf(w, "events.%s\t%d\n", status, stats.Events[status])
			}
			fmt.Fprintf(w, "subscriptions\t%d\n", stats.Subscriptions)
			fmt.Fprintf(w, "subscriptions.active\t%d\n", stats.ActiveSubscriptions)
			return w.Flush()
		},
	}
}

func newCleanupCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Archive and delete finished events past retention, and delete expired events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.bus.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived=%d deleted=%d expired=%d duration=%s\n",
				res.Archived, res.Deleted, res.Expired, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newSubscriptionsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage subscriptions",
	}
	cmd.AddCommand(
		newSubscriptionsListCommand(opts),
		newSubscriptionsAddCommand(opts),
		newSubscriptionsActiveCommand(opts, "activate", true),
		newSubscriptionsActiveCommand(opts, "deactivate", false),
	)
	return cmd
}

func newSubscriptionsListCommand(opts *options) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			subs, err := rt.bus.Subscriptions(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tPATTERN\tTENANT\tPRIORITY\tACTIVE\tTARGET")
			for _, sub := range subs {
				target := "local"
				if sub.IsRemote() {
					target = sub.CallbackAddress
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
					sub.ID, sub.Key(), sub.Pattern, cmp.Or(sub.TenantID, "*"), sub.Priority, sub.IsActive, target)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active subscriptions")
	return cmd
}

func newSubscriptionsAddCommand(opts *options) *cobra.Command {
	var (
		sub  event.Subscription
		mode string
	)
	cmd := &cobra.Command{
		Use:   "add SUBSCRIBER HANDLER",
		Short: "Register a remote subscription",
		Long: `Register a subscription delivered by HTTP POST to --callback.

Registering the same SUBSCRIBER and HANDLER again updates the routing
fields and keeps the id and active flag.`,
		Example: `  eventbusd subscriptions add billing invoice --pattern 'order.*' --callback http://billing:8080/events`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode = strings.ToLower(mode)
			if !slices.Contains([]string{string(event.DeliverySync), string(event.DeliveryAsync)}, mode) {
				return fmt.Errorf("--mode: want sync or async, got %q", mode)
			}
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			sub.SubscriberName, sub.HandlerName = args[0], args[1]
			sub.DeliveryMode = event.DeliveryMode(mode)
			stored, err := rt.bus.SubscribeRemote(cmd.Context(), sub)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), stored.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sub.Pattern, "pattern", "", "Event type pattern, e.g. order.* (required)")
	f.StringVar(&sub.CallbackAddress, "callback", "", "Callback URL (required)")
	f.StringVar(&sub.TenantID, "tenant", "", "Restrict to one tenant")
	f.StringVar(&sub.Filter, "filter", "", "CEL filter expression")
	f.IntVar(&sub.Priority, "priority", 0, "Higher runs first")
	f.IntVar(&sub.MaxRetryAttempts, "max-retries", 0, "Attempt limit (default: the event's)")
	f.DurationVar(&sub.RetryDelay, "retry-delay", 0, "Base retry delay")
	f.StringVar(&mode, "mode", string(event.DeliverySync), "Delivery mode: sync|async")
	_ = cmd.MarkFlagRequired("pattern")
	_ = cmd.MarkFlagRequired("callback")
	return cmd
}

func newSubscriptionsActiveCommand(opts *options, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.bus.SetSubscriptionActive(cmd.Context(), args[0], active); err != nil {
				return fmt.Errorf("%s %s: %w", use, args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
