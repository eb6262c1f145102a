package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketfeed/internal/codec"
	"marketfeed/internal/codec/binance"
	"marketfeed/internal/codec/kraken"
	"marketfeed/internal/config"
	"marketfeed/internal/event"
	"marketfeed/internal/metrics"
	"marketfeed/internal/multiplexer"
	"marketfeed/internal/orderbook"
	"marketfeed/internal/publisher"
	"marketfeed/internal/symbolmap"
	"marketfeed/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./config.yaml)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	symbols, err := symbolmap.Load(cfg.SymbolMap.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("loading symbol map")
	}

	pub, err := publisher.NewRedisPublisher(publisher.Config{
		Addr:            cfg.Publisher.RedisAddr,
		OrderbookMaxLen: cfg.Publisher.OrderbookMaxLen,
		TradeMaxLen:     cfg.Publisher.TradeMaxLen,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to redis")
	}
	defer pub.Close()

	metricsServer := metrics.NewServer(cfg.Metrics.ListenAddr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsServer.Stop()

	subs, err := buildSubscriptions(cfg, symbols)
	if err != nil {
		log.Fatal().Err(err).Msg("building subscriptions")
	}
	if len(subs) == 0 {
		log.Fatal().Msg("no venues produced any subscriptions")
	}

	books := newBookRegistry(cfg.OrderBook.Depth)

	mux := multiplexer.New(transport.NewWSDialer(), transport.NewHTTPClientFetcher(), log.Logger, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mux.Connect(ctx, subs); err != nil {
		log.Fatal().Err(err).Msg("starting multiplexer")
	}

	go consume(ctx, mux, books, pub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	mux.Close()
}

// buildSubscriptions expands each configured venue/symbol/stream into
// one multiplexer.Subscription, resolving canonical symbols to their
// venue-specific WebSocket spelling via the symbol map.
func buildSubscriptions(cfg *config.Config, symbols *symbolmap.SymbolMap) ([]multiplexer.Subscription, error) {
	var subs []multiplexer.Subscription

	for _, venue := range cfg.Venues {
		var c codec.WireCodec
		switch venue.Name {
		case "binance":
			c = binance.New()
		case "kraken":
			c = kraken.New()
		default:
			return nil, fmt.Errorf("unsupported venue %q", venue.Name)
		}

		for _, canonical := range venue.Symbols {
			wsSymbol, err := symbols.ToWS(venue.Name, canonical)
			if err != nil {
				return nil, err
			}

			for _, streamName := range venue.Streams {
				var stream event.StreamKind
				switch streamName {
				case "book":
					stream = event.Book
				case "trades":
					stream = event.Trades
				default:
					return nil, fmt.Errorf("unsupported stream %q for venue %q", streamName, venue.Name)
				}

				sub := multiplexer.Subscription{
					Venue:           venue.Name,
					CanonicalSymbol: canonical,
					WSSymbol:        wsSymbol,
					Stream:          stream,
					WSURL:           venue.WSURL,
					MaxBuffer:       cfg.Reconnect.MaxBuffer,
					Codec:           c,
					InitialBackoff:  cfg.Reconnect.InitialBackoff,
					MaxBackoff:      cfg.Reconnect.MaxBackoff,
				}

				if stream == event.Book && venue.Name == "binance" {
					restSymbol, err := symbols.ToRest(venue.Name, canonical)
					if err != nil {
						return nil, err
					}
					sub.SnapshotURL = fmt.Sprintf("%sapi/v3/depth?symbol=%s&limit=1000", venue.RestURL, restSymbol)
				}

				subs = append(subs, sub)
			}
		}
	}

	return subs, nil
}

// bookRegistry holds one orderbook.OrderBook per (venue, symbol) pair
// subscribed to the book stream.
type bookRegistry struct {
	depth int
	books map[string]*orderbook.OrderBook
}

func newBookRegistry(depth int) *bookRegistry {
	return &bookRegistry{depth: depth, books: make(map[string]*orderbook.OrderBook)}
}

func (r *bookRegistry) get(venue, symbol string) *orderbook.OrderBook {
	key := venue + "/" + symbol
	ob, ok := r.books[key]
	if !ok {
		ob = orderbook.New(venue, symbol, r.depth)
		r.books[key] = ob
	}
	return ob
}

// consume drains the multiplexer, applies book events to the local
// order book for that (venue, symbol), and publishes both book and
// trade events downstream.
func consume(ctx context.Context, mux *multiplexer.Multiplexer, books *bookRegistry, pub *publisher.RedisPublisher) {
	for {
		tagged, err := mux.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("multiplexer recv failed")
			continue
		}

		switch ev := tagged.Event.(type) {
		case *event.OrderbookEvent:
			ob := books.get(tagged.Subscription.Venue, tagged.Subscription.CanonicalSymbol)
			ob.Apply(*ev)

			timer := metrics.NewTimer()
			if err := pub.PublishOrderbook(ctx, *ev); err != nil {
				log.Error().Err(err).Msg("publishing orderbook")
				metrics.RedisPublishErrors.WithLabelValues("orderbook").Inc()
			} else {
				timer.ObserveDuration(metrics.RedisPublishDuration, "orderbook")
			}

			snap := ob.Snapshot(0)
			bidDepth, askDepth := len(snap.Bids), len(snap.Asks)
			var bestBid, bestAsk float64
			if bidDepth > 0 {
				bestBid, _ = snap.Bids[0].Price.Float64()
			}
			if askDepth > 0 {
				bestAsk, _ = snap.Asks[0].Price.Float64()
			}
			if ev.Kind == event.Snapshot {
				metrics.RecordOrderbookSnapshot(tagged.Subscription.Venue, tagged.Subscription.CanonicalSymbol)
			}
			metrics.RecordOrderbookUpdate(tagged.Subscription.Venue, tagged.Subscription.CanonicalSymbol, bidDepth, askDepth, bestBid, bestAsk)

		case *event.TradeEvent:
			timer := metrics.NewTimer()
			if err := pub.PublishTrade(ctx, *ev); err != nil {
				log.Error().Err(err).Msg("publishing trade")
				metrics.RedisPublishErrors.WithLabelValues("trade").Inc()
			} else {
				timer.ObserveDuration(metrics.RedisPublishDuration, "trade")
			}
			for _, t := range ev.Trades {
				volume, _ := t.Qty.Float64()
				metrics.RecordTrade(tagged.Subscription.Venue, tagged.Subscription.CanonicalSymbol, string(t.Side), volume)
			}
		}
	}
}
