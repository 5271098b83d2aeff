// Command twin-demo exercises a TwinSession end to end against an
// in-process fake transport, printing state transitions and desired-property
// pushes to stderr while serving Prometheus metrics over HTTP. It has no real
// AMQP transport to dial: wiring an AmqpClient implementation to an actual
// broker is out of scope for this module (see spec section 1).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deviceiot/twinlink/internal/faketwin"
	"github.com/deviceiot/twinlink/link"
)

var (
	flagDeviceID    = flag.String("device-id", "demo-device-1", "device id addressed by the twin session")
	flagAPIVersion  = flag.String("api-version", "2020-09-30", "twin api-version carried on link attach properties")
	flagMetricsAddr = flag.String("metrics-addr", ":9464", "listen address for the Prometheus /metrics endpoint")
	flagOutboxPath  = flag.String("outbox", "", "file path for durable outbound message persistence (empty disables)")
	flagVersionPath = flag.String("version-store", "", "file path for desired-property version persistence (empty disables)")
	flagBackoff     = flag.Duration("backoff", time.Second, "fixed reconnect backoff delay")
	flagMaxAttempts = flag.Int("max-attempts", 0, "maximum consecutive failed connect attempts, the first included, before giving up (0=unlimited)")
	flagFlaky       = flag.Bool("flaky", false, "simulate a peer detach shortly after connecting, to exercise reconnect")
)

func main() {
	flag.Parse()

	registry := prometheus.NewRegistry()
	metrics := link.NewMetrics(registry)

	client := faketwin.NewClient()
	sender := faketwin.NewSender()
	receiver := faketwin.NewReceiver()
	client.QueueSender(faketwin.NewSender(), nil)
	client.QueueReceiver(faketwin.NewReceiver(), nil)
	client.QueueSender(sender, nil)
	client.QueueReceiver(receiver, nil)

	var sessionOpts []link.TwinSessionOption
	sessionOpts = append(sessionOpts,
		link.WithSessionBackoff(&link.FixedBackoff{Delay: *flagBackoff}),
		link.WithSessionMaxAttempts(*flagMaxAttempts),
		link.WithSessionCbsOptions(link.WithCbsMetrics(metrics)),
		link.WithSessionTwinOptions(twinClientOptions(metrics)...),
	)

	session := link.NewTwinSession(client, *flagDeviceID, *flagAPIVersion, sessionOpts...)
	session.OnStateChange(func(s link.SessionState) {
		log.Printf("twin-demo: session state -> %s", s)
	})
	session.Twin().OnDesiredPropertiesUpdated(func(props map[string]any, version int64) {
		body, _ := json.Marshal(props)
		log.Printf("twin-demo: desired properties updated (version=%d): %s", version, body)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *flagMetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("twin-demo: metrics server: %v", err)
		}
	}()

	connectDone := make(chan error, 1)
	session.Connect(context.Background(), func(err error) { connectDone <- err })
	if err := <-connectDone; err != nil {
		log.Fatalf("twin-demo: connect failed: %v", err)
	}
	log.Printf("twin-demo: connected, channel-correlation-id=%s", session.Twin().ChannelCorrelationID())

	session.Twin().GetTwin(func(body []byte, version int64, err error) {
		if err != nil {
			log.Printf("twin-demo: get twin failed: %v", err)
			return
		}
		log.Printf("twin-demo: twin document (version=%d): %s", version, body)
	})

	session.Twin().UpdateReportedProperties(map[string]any{"lastBoot": time.Now().Unix()}, func(version int64, err error) {
		if err != nil {
			log.Printf("twin-demo: update reported properties failed: %v", err)
			return
		}
		log.Printf("twin-demo: reported properties applied at version %d", version)
	})

	if *flagFlaky {
		go func() {
			time.Sleep(2 * time.Second)
			log.Printf("twin-demo: simulating peer detach on twin sender")
			sender.SimulatePeerDetach(fmt.Errorf("simulated transport drop"))
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("twin-demo: shutting down")
	if err := session.Close(); err != nil {
		log.Printf("twin-demo: close: %v", err)
	}
	_ = metricsServer.Close()
}

func twinClientOptions(metrics *link.Metrics) []link.TwinClientOption {
	opts := []link.TwinClientOption{link.WithTwinMetrics(metrics)}
	if *flagVersionPath != "" {
		opts = append(opts, link.WithTwinVersionStore(link.NewFileVersionStore(*flagVersionPath)))
	}
	if *flagOutboxPath != "" {
		opts = append(opts, link.WithTwinOutbox(link.NewFileOutbox(*flagOutboxPath)))
	}
	return opts
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "twin-demo — exercises a TwinSession against an in-process fake transport\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
