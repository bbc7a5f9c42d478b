// Command callclient places and answers calls against the signaling server
// from a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mossy-p/poll-signaling/config"
	"github.com/mossy-p/poll-signaling/internal/api"
	"github.com/mossy-p/poll-signaling/internal/call"
	"github.com/mossy-p/poll-signaling/internal/identity"
	"github.com/mossy-p/poll-signaling/internal/logging"
	"github.com/mossy-p/poll-signaling/internal/media"
	"github.com/mossy-p/poll-signaling/internal/models"
	"github.com/mossy-p/poll-signaling/internal/presence"
)

// app holds everything a command needs, built once flags are parsed.
type app struct {
	cfg      config.ClientConfig
	log      zerolog.Logger
	client   *api.Client
	me       models.UserProfile
	coord    *call.Coordinator
	presence *presence.Service
	resolver *identity.Resolver
	joiner   *media.RelayJoiner
}

func (a *app) aliases() identity.LocalAliases {
	return identity.LocalAliases{
		Name:        a.me.UserID,
		DisplayName: a.me.Name,
		NumericID:   a.me.NumericID,
		Role:        a.me.Role,
	}
}

func (a *app) close() {
	a.presence.Stop()
	a.coord.Close()
}

func newApp(cfg config.ClientConfig, log zerolog.Logger) (*app, error) {
	client, err := api.New(api.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	me, err := client.LocalIdentity()
	if err != nil {
		return nil, fmt.Errorf("token does not carry an identity: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		client: client,
		me:     me,
		coord: call.NewCoordinator(client, call.Config{
			LocalPeerID:  me.UserID,
			PollInterval: cfg.CallPollInterval,
			Timeout:      cfg.CallTimeout,
			Logger:       log,
		}),
		presence: presence.NewService(client, presence.Config{
			Interval:    cfg.HeartbeatInterval,
			MinInterval: cfg.HeartbeatMinInterval,
			Logger:      log,
		}),
		resolver: identity.NewResolver(client, identity.NewStore(), log),
		joiner:   media.NewRelayJoiner(client.BaseURL(), log),
	}
	a.joiner.OnMessage = func(m models.SignalMessage) {
		log.Debug().Str("type", string(m.Type)).Str("from", m.From).Msg("relay message")
	}
	return a, nil
}

func main() {
	cfg := config.Load()
	clientCfg := cfg.Client
	var debug bool
	var a *app

	root := &cobra.Command{
		Use:           "callclient",
		Short:         "Place and answer calls through the signaling server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := cfg.LogLevel
			if debug {
				level = "debug"
			}
			log := logging.Setup(cfg.Environment, level)
			if clientCfg.Token == "" {
				return fmt.Errorf("no token: set SIGNALING_TOKEN or pass --token")
			}
			var err error
			a, err = newApp(clientCfg, log)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&clientCfg.APIBaseURL, "url", clientCfg.APIBaseURL, "signaling server base URL")
	root.PersistentFlags().StringVar(&clientCfg.Token, "token", clientCfg.Token, "bearer token")
	root.PersistentFlags().DurationVar(&clientCfg.CallTimeout, "call-timeout", clientCfg.CallTimeout, "give up on an unanswered call after this long")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	appRef := func() *app { return a }
	root.AddCommand(
		newCallCmd(appRef),
		newListenCmd(appRef),
		newWhoisCmd(appRef),
		newPresenceCmd(appRef),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		if a != nil {
			a.close()
		}
		os.Exit(1)
	}
}
