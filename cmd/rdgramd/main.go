// rdgramd is a small node that exchanges reliable messages with peers over
// UDP. It logs every message it receives and can echo them back.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/golog"
	"github.com/getlantern/rdgram"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const textMessageType = 1

var log = golog.LoggerFor("rdgramd")

var (
	configPath  = flag.String("config", "", "path to a TOML config file")
	listen      = flag.String("listen", "", "UDP address to listen on, overrides the config file")
	metricsAddr = flag.String("metrics", "", "address to serve Prometheus metrics on, overrides the config file")
	peer        = flag.String("peer", "", "peer to send -message to at start-up")
	message     = flag.String("message", "", "message to send to -peer")
	echo        = flag.Bool("echo", false, "echo every received message back to its sender")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Errorf("rdgramd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := rdgram.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}
	defer transport.Close()
	log.Debugf("Listening on %v", transport.LocalAddr())

	var engine *rdgram.Engine
	dispatcher := rdgram.DispatcherFunc(func(from string, messageType uint8, payload []byte) error {
		log.Debugf("Message type %d from %v: %v", messageType, from, humanize.IBytes(uint64(len(payload))))
		if messageType == textMessageType {
			log.Debugf("%v says %q", from, payload)
		}
		if *echo {
			return engine.Send(ctx, from, messageType, payload)
		}
		return nil
	})
	engine, err = rdgram.NewEngine(cfg.Engine, transport, dispatcher)
	if err != nil {
		return err
	}
	defer engine.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Serve(ctx, func(from string, b []byte) {
			if err := engine.OnDatagram(from, b); err != nil {
				log.Error(err)
			}
		})
	})
	g.Go(func() error {
		return engine.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, cfg.MetricsAddr)
	}

	if *peer != "" && *message != "" {
		to, err := resolvePeer(*peer)
		if err != nil {
			return err
		}
		if err := engine.Send(ctx, to, textMessageType, []byte(*message)); err != nil {
			log.Errorf("Unable to send to %v: %v", to, err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Debug("Stopped")
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	rdgram.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Debugf("Serving metrics on %v", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// resolvePeer turns host:port into the address form inbound datagrams are
// reported with.
func resolvePeer(hostport string) (string, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return "", err
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String(), nil
}
