package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-intel/common/messaging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/dlq"
)

func newDLQCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the file dead-letter queue",
	}
	cmd.AddCommand(newDLQListCommand(a), newDLQPurgeCommand(a), newDLQReplayCommand(a))
	return cmd
}

func (a *app) fileDLQ() (*dlq.Queue, error) {
	return dlq.NewQueue(a.cfg.DLQ.BasePath, a.logger)
}

func newDLQListCommand(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead-lettered messages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.fileDLQ()
			if err != nil {
				return err
			}
			msgs, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, msgs)
			}
			t := newTable("ID", "TIME", "REASON", "ATTEMPTS", "SUBJECT", "ERROR")
			for _, m := range msgs {
				t.add(m.ID, m.Timestamp.Format(time.RFC3339), m.Reason, strconv.Itoa(m.Attempts), m.Subject, m.Error)
			}
			t.render(a.out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDLQPurgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [id]",
		Short: "Delete one dead-lettered message, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.fileDLQ()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := q.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				success(a.out, "deleted %s", args[0])
				return nil
			}
			n, err := q.Purge(cmd.Context())
			if err != nil {
				return err
			}
			success(a.out, "purged %d messages", n)
			return nil
		},
	}
}

func newDLQReplayCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Republish dead-lettered messages to their original subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.NATS.Enabled {
				return errors.New("replay needs nats.enabled")
			}
			q, err := a.fileDLQ()
			if err != nil {
				return err
			}

			var cl closers
			defer cl.Close()
			js, err := a.broker(cmd.Context(), &cl)
			if err != nil {
				return err
			}

			n, err := replay(cmd.Context(), q, js, a.cfg.NATS.WorkSubject)
			if err != nil {
				return fmt.Errorf("replayed %d messages before failing: %w", n, err)
			}
			success(a.out, "replayed %d messages", n)
			return nil
		},
	}
}

// replay republishes every entry; entries without a subject go to
// fallback. Replayed entries are removed from the queue.
func replay(ctx context.Context, q *dlq.Queue, pub messaging.Publisher, fallback string) (int, error) {
	return q.Replay(ctx, func(ctx context.Context, m dlq.FailedMessage) error {
		subject := m.Subject
		if subject == "" {
			subject = fallback
		}
		return pub.Publish(ctx, subject, []byte(m.Payload))
	})
}
