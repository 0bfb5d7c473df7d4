package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsearch/pkg/config"
	"github.com/go-go-golems/turnsearch/pkg/events"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/logging"
	"github.com/go-go-golems/turnsearch/pkg/metrics"
	"github.com/go-go-golems/turnsearch/pkg/proxy"
	"github.com/go-go-golems/turnsearch/pkg/redisstream"
	"github.com/go-go-golems/turnsearch/pkg/server"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the search proxy and page session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			rec := metrics.New()

			client, err := gateway.NewClient(s.Gateway(), gateway.WithObserver(rec))
			if err != nil {
				return err
			}
			fwd, err := proxy.New(s.Gateway(), proxy.WithObserver(rec))
			if err != nil {
				return err
			}

			transport, err := redisstream.BuildTransport(s.Redis, logging.NewWatermillLogger(log.Logger))
			if err != nil {
				return err
			}
			if transport.Redis {
				if err := transport.EnsureGroupAtTail(cmd.Context(), events.Topic, s.Redis.Group); err != nil {
					_ = transport.Close()
					return err
				}
			}
			bus := events.NewBus(transport.Publisher, transport.Subscriber)

			sessions := session.NewManager(client, s.StoreOptions(),
				session.WithPublisher(bus),
				session.WithEvictionObserver(rec.AddEvicted),
			)
			sessions.SetEvictionConfig(s.SessionIdle, s.SessionEvictInterval)

			handler := server.NewHandler(server.Deps{
				Sessions: sessions,
				Proxy:    fwd,
				Metrics:  rec,
				Limiter:  server.NewRateLimiter(s.RateLimit, s.RateBurst),
			})
			srv, err := server.NewServer(s.Addr, handler, sessions, bus, server.WithCloser(transport.Close))
			if err != nil {
				_ = transport.Close()
				return err
			}
			log.Info().
				Str("upstream", s.UpstreamURL).
				Bool("redis", transport.Redis).
				Dur("session_idle", s.SessionIdle).
				Msg("turnsearch configured")
			return srv.Run(cmd.Context())
		},
	}
}
