package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tumbler/internal/scheduler"
	"tumbler/internal/transport/dbusrpc"
)

type waiter interface {
	Wait(ctx context.Context, handle uint32, fn func(scheduler.Event)) error
	Close()
}

// thumbClient is the subset of the bus client the commands use.
type thumbClient interface {
	Queue(ctx context.Context, uris, mimeTypes []string, flavor, sched string, unqueue uint32) (uint32, error)
	Dequeue(ctx context.Context, handle uint32) error
	GetSupported(ctx context.Context) ([]string, []string, error)
	GetFlavors(ctx context.Context) ([]string, error)
	GetSchedulers(ctx context.Context) ([]string, error)
	Watch() (waiter, error)
	Close() error
}

type busClient struct{ *dbusrpc.Client }

func (c busClient) Watch() (waiter, error) {
	w, err := c.Client.Watch()
	if err != nil {
		return nil, err
	}
	return w, nil
}

// dial is replaced in tests.
var dial = func(cfg dbusrpc.Config) (thumbClient, error) {
	c, err := dbusrpc.Dial(cfg)
	if err != nil {
		return nil, err
	}
	return busClient{c}, nil
}

func withClient(fn func(c thumbClient) error) error {
	c, err := dial(clientConfig())
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c)
}

// toURI turns local paths into file:// URIs and keeps anything with a scheme.
func toURI(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: abs}).String(), nil
}

// mimeHints spreads one hint over all URIs, takes one per URI, or leaves
// every hint empty for the daemon to detect.
func mimeHints(n int, given []string) ([]string, error) {
	out := make([]string, n)
	switch len(given) {
	case 0:
	case 1:
		for i := range out {
			out[i] = given[0]
		}
	case n:
		copy(out, given)
	default:
		return nil, fmt.Errorf("--mime given %d times for %d uris", len(given), n)
	}
	return out, nil
}

func newQueueCmd() *cobra.Command {
	var (
		mimes   []string
		flavor  string
		sched   string
		unqueue uint32
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "queue <uri-or-path>...",
		Short: "Queue thumbnail generation and print the handle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uris := make([]string, len(args))
			for i, a := range args {
				u, err := toURI(a)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", a, err)
				}
				uris[i] = u
			}
			hints, err := mimeHints(len(uris), mimes)
			if err != nil {
				return err
			}

			return withClient(func(c thumbClient) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				var w waiter
				if wait {
					// Subscribe before queueing so early signals are not lost.
					if w, err = c.Watch(); err != nil {
						return err
					}
					defer w.Close()
				}
				h, err := c.Queue(ctx, uris, hints, flavor, sched, unqueue)
				if err != nil {
					return fmt.Errorf("queue: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "handle %d\n", h)
				if w == nil {
					return nil
				}
				return w.Wait(ctx, h, func(e scheduler.Event) { printEvent(out, e) })
			})
		},
	}
	cmd.Flags().StringSliceVar(&mimes, "mime", nil, "MIME type hint (once for all uris, or once per uri)")
	cmd.Flags().StringVar(&flavor, "flavor", "", "thumbnail flavor (normal, large, x-large, xx-large)")
	cmd.Flags().StringVar(&sched, "scheduler", "default", "scheduler (default, foreground, background)")
	cmd.Flags().Uint32Var(&unqueue, "dequeue", 0, "handle to dequeue before queueing")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for Finished and print every event")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	return cmd
}

func printEvent(w io.Writer, e scheduler.Event) {
	switch e.Kind {
	case scheduler.EventReady:
		for _, u := range e.URIs {
			fmt.Fprintf(w, "ready    %s\n", u)
		}
	case scheduler.EventError:
		for _, u := range e.URIs {
			fmt.Fprintf(w, "error    %s (%s: %s)\n", u, e.Code, e.Message)
		}
	default:
		fmt.Fprintf(w, "%-8s %d\n", e.Kind, e.Handle)
	}
}

func newDequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <handle>",
		Short: "Dequeue a handle that has not started yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || h == 0 {
				return fmt.Errorf("invalid handle %q", args[0])
			}
			return withClient(func(c thumbClient) error {
				return c.Dequeue(cmd.Context(), uint32(h))
			})
		},
	}
}

func newSupportedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supported",
		Short: "List supported URI scheme and MIME type pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c thumbClient) error {
				schemes, mimes, err := c.GetSupported(cmd.Context())
				if err != nil {
					return err
				}
				for i := range schemes {
					if i < len(mimes) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", schemes[i], mimes[i])
					}
				}
				return nil
			})
		},
	}
}

func newListCmd(use, short string, get func(context.Context, thumbClient) ([]string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c thumbClient) error {
				names, err := get(cmd.Context(), c)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func newFlavorsCmd() *cobra.Command {
	return newListCmd("flavors", "List thumbnail flavors", func(ctx context.Context, c thumbClient) ([]string, error) {
		return c.GetFlavors(ctx)
	})
}

func newSchedulersCmd() *cobra.Command {
	return newListCmd("schedulers", "List scheduler names", func(ctx context.Context, c thumbClient) ([]string, error) {
		return c.GetSchedulers(ctx)
	})
}
