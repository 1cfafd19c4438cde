package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/FerroO2000/msgbridge"
	"github.com/FerroO2000/msgbridge/envelope"
	"github.com/FerroO2000/msgbridge/internal/journal"
	"github.com/FerroO2000/msgbridge/transport"
	"github.com/urfave/cli/v2"
)

const retryInterval = 100 * time.Millisecond

func printEnvelope(w io.Writer, arrow string, env envelope.Envelope) {
	fmt.Fprintf(w, "%s id=%d seq=%s name=%q data=%q\n", arrow, env.ID, env.Seq, env.Name, env.Data)
}

// retryUntilConnected calls fn until the transport has a peer to deliver to
// or the context is done.
func retryUntilConnected(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, transport.ErrNotConnected) {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

func listenCmd(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Print every received string and the envelopes it carries",
		Action: func(cctx *cli.Context) error {
			out := cctx.App.Writer

			p, err := opts.startPeer(cctx.Context, func(b *msgbridge.Bridge) {
				b.OnMessage(func(raw string) {
					fmt.Fprintf(out, "<- %s\n", raw)
				})
				b.OnCall(func(env envelope.Envelope) {
					printEnvelope(out, "   ", env)
				})
			})
			if err != nil {
				return err
			}
			defer p.close()

			<-cctx.Context.Done()
			return nil
		},
	}
}

func sendCmd(opts *options) *cli.Command {
	var (
		raw     bool
		timeout = 10 * time.Second
	)

	return &cli.Command{
		Name:      "send",
		Usage:     "Send a fire-and-forget message",
		ArgsUsage: "NAME [DATA]",
		Flags: []cli.Flag{
			boolFlag(&raw, "raw", "Send NAME as a plain string, without any envelope"),
			durationFlag(&timeout, "timeout", "How long to wait for a peer to deliver to"),
		},
		Action: func(cctx *cli.Context) error {
			name, data := cctx.Args().Get(0), cctx.Args().Get(1)
			if name == "" {
				return cli.Exit("missing message name", 2)
			}

			p, err := opts.startPeer(cctx.Context, nil)
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := context.WithTimeout(cctx.Context, timeout)
			defer cancel()

			return retryUntilConnected(ctx, func() error {
				if raw {
					return p.bridge.SendRaw(ctx, name)
				}
				return p.bridge.Send(ctx, name, data)
			})
		},
	}
}

func callCmd(opts *options) *cli.Command {
	timeout := 10 * time.Second

	return &cli.Command{
		Name:      "call",
		Usage:     "Send a call and print its reply",
		ArgsUsage: "NAME [DATA]",
		Flags: []cli.Flag{
			durationFlag(&timeout, "timeout", "How long to wait for the reply"),
		},
		Action: func(cctx *cli.Context) error {
			name, data := cctx.Args().Get(0), cctx.Args().Get(1)
			if name == "" {
				return cli.Exit("missing call name", 2)
			}

			p, err := opts.startPeer(cctx.Context, nil)
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := context.WithTimeout(cctx.Context, timeout)
			defer cancel()

			var reply string
			err = retryUntilConnected(ctx, func() error {
				var callErr error
				reply, callErr = p.bridge.Call(ctx, name, data)
				return callErr
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cctx.App.Writer, reply)
			return nil
		},
	}
}

func echoCmd(opts *options) *cli.Command {
	return &cli.Command{
		Name:  "echo",
		Usage: "Answer every call with its own data",
		Action: func(cctx *cli.Context) error {
			ctx := cctx.Context
			out := cctx.App.Writer

			p, err := opts.startPeer(ctx, func(b *msgbridge.Bridge) {
				b.OnCall(func(env envelope.Envelope) {
					printEnvelope(out, "<-", env)

					if !env.IsCall() {
						return
					}

					if err := b.Reply(ctx, env, env.Data); err != nil {
						fmt.Fprintf(cctx.App.ErrWriter, "failed to reply to %d: %v\n", env.ID, err)
						return
					}
					printEnvelope(out, "->", env.Reply(env.Data))
				})
			})
			if err != nil {
				return err
			}
			defer p.close()

			<-ctx.Done()
			return nil
		},
	}
}

func journalCmd(opts *options) *cli.Command {
	var session string

	return &cli.Command{
		Name:  "journal",
		Usage: "Print the strings recorded in the journal",
		Flags: []cli.Flag{
			stringFlag(&session, "session", "Session to print, the latest one when empty"),
		},
		Action: func(cctx *cli.Context) error {
			if opts.journalPath == "" {
				return cli.Exit("the --journal flag is required", 2)
			}

			j, err := journal.Open(opts.journalPath, opts.prefix)
			if err != nil {
				return err
			}
			defer j.Close()

			if session == "" {
				sessions, err := j.Sessions(cctx.Context)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					return nil
				}
				session = sessions[len(sessions)-1]
			}

			entries, err := j.List(cctx.Context, session)
			if err != nil {
				return err
			}

			out := cctx.App.Writer
			for _, entry := range entries {
				arrow := "<-"
				if entry.Direction == journal.DirectionOut {
					arrow = "->"
				}

				fmt.Fprintf(out, "%s %s %s\n", entry.ReceivedAt.Format(time.RFC3339Nano), arrow, entry.Raw)
			}

			return nil
		},
	}
}
