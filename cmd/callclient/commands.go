package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mossy-p/poll-signaling/internal/call"
	"github.com/mossy-p/poll-signaling/internal/identity"
	"github.com/mossy-p/poll-signaling/internal/incoming"
	"github.com/mossy-p/poll-signaling/internal/models"
)

func newCallCmd(get func() *app) *cobra.Command {
	var video bool
	cmd := &cobra.Command{
		Use:   "call <peer>",
		Short: "Call a peer and join the room once they accept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			peer := args[0]

			a.presence.SetActivity(models.ActivitySearching, "")
			a.presence.Start(ctx)
			go a.reportPresence(ctx)

			callType := models.CallTypeAudio
			if video {
				callType = models.CallTypeVideo
			}
			s, err := a.coord.Initiate(ctx, peer, callType)
			if err != nil {
				return err
			}

			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Calling %s...", peer))
			snap, err := s.Wait(ctx)
			if err != nil {
				s.Cancel()
				spinner.Warning("Call cancelled")
				return nil
			}

			switch snap.Status {
			case call.StatusActive:
				spinner.Success(fmt.Sprintf("%s answered", peer))
				return a.inCall(ctx, snap, models.ActivityInCallCaller)
			case call.StatusRejected:
				spinner.Fail("Call rejected")
			case call.StatusExpired:
				spinner.Fail("Call timed out")
			default:
				spinner.Warning("Call cancelled")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&video, "video", false, "request a video call")
	return cmd
}

func newListenCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Wait for an incoming call and ask whether to accept it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			a.presence.SetActivity(models.ActivityIdle, "")
			a.presence.Start(ctx)
			go a.reportPresence(ctx)

			w := incoming.NewWatcher(a.client, a.coord, incoming.Config{
				Interval:       a.cfg.IncomingPollInterval,
				RequestTimeout: a.cfg.RequestTimeout,
				Alerter:        bellAlerter{},
				Logger:         a.log,
			})
			w.Start(ctx)
			defer w.Stop()

			pterm.Info.Printfln("Listening for calls as %s (Ctrl+C to quit)", a.me.Name)

			for {
				select {
				case <-ctx.Done():
					return nil

				case n := <-w.Notices():
					if n.Kind == incoming.NoticeGone {
						pterm.Warning.Printfln("Call from %s is no longer available", n.Offer.Caller)
						continue
					}

					accept, _ := pterm.DefaultInteractiveConfirm.
						WithDefaultText(fmt.Sprintf("Incoming %s call from %s. Accept?", n.Offer.CallType, n.Offer.Caller)).
						Show()

					s, err := w.Answer(ctx, accept)
					switch {
					case errors.Is(err, incoming.ErrNoOffer), errors.Is(err, call.ErrOfferGone):
						pterm.Warning.Println("Offer no longer available")
						continue
					case err != nil:
						pterm.Error.Printfln("Could not answer: %v", err)
						continue
					case !accept:
						pterm.Info.Printfln("Rejected call from %s", n.Offer.Caller)
						continue
					}

					w.Stop()
					return a.inCall(ctx, s.Snapshot(), models.ActivityInCallCallee)
				}
			}
		},
	}
}

func newWhoisCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whois <room>",
		Short: "Show who the other party of a room is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			id, err := a.resolver.Resolve(cmd.Context(), args[0], a.aliases())
			if errors.Is(err, identity.ErrUnresolved) {
				pterm.Warning.Println("Nobody else has shown up in this room yet")
				return nil
			}
			if err != nil {
				return err
			}
			return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"Name", "Role", "ID", "Source"},
				{id.Name, id.Role, strconv.FormatInt(id.NumericID, 10), string(id.Provenance)},
			}).Render()
		},
	}
}

func newPresenceCmd(get func() *app) *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:       "presence <browsing|searching|idle|in_call_caller|in_call_callee>",
		Short:     "Send one presence heartbeat",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"browsing", "searching", "idle", "in_call_caller", "in_call_callee"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			kind := models.ActivityKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown activity %q", args[0])
			}

			if a.presence.Report(cmd.Context(), kind, room) {
				pterm.Success.Printfln("Reported %s", kind)
				return nil
			}
			if a.presence.Degraded() {
				pterm.Warning.Printfln("Presence degraded: rate limited until %s",
					a.presence.State().BlockedUntil.Format("15:04:05"))
				return nil
			}
			return errors.New("heartbeat was not accepted")
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room the activity refers to")
	return cmd
}

// inCall joins the media relay of an active call until ctx ends.
func (a *app) inCall(ctx context.Context, snap call.Snapshot, kind models.ActivityKind) error {
	a.presence.SetActivity(kind, snap.Room)
	a.presence.Report(ctx, kind, snap.Room)
	defer func() {
		a.presence.SetActivity(models.ActivityBrowsing, "")
		a.resolver.Forget(snap.Room)
	}()

	peer := snap.RemotePeerID
	if id, err := a.resolver.Resolve(ctx, snap.Room, a.aliases()); err == nil {
		peer = fmt.Sprintf("%s (%s, %s)", id.Name, id.Role, id.Provenance)
	}
	pterm.Success.Printfln("In call with %s in room %s. Press Ctrl+C to hang up.", peer, snap.Room)

	if err := a.joiner.Join(ctx, snap.Room, a.client.Token()); err != nil {
		return err
	}
	pterm.Info.Println("Call ended")
	return nil
}

// reportPresence prints presence degradation until ctx ends.
func (a *app) reportPresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-a.presence.Notifications():
			if n.Degraded {
				pterm.Warning.Printfln("Presence degraded until %s", n.BlockedUntil.Format("15:04:05"))
			} else {
				pterm.Info.Println("Presence restored")
			}
		}
	}
}

// bellAlerter rings the terminal bell. A terminal never blocks it.
type bellAlerter struct{}

func (bellAlerter) Alert(offer models.IncomingCall) error {
	_, err := fmt.Fprint(os.Stdout, "\a")
	return err
}
