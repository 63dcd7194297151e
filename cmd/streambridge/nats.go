package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/streambridge/internal/forward"
	"github.com/antonkrylov/streambridge/internal/sink"
)

// natsFlags select an optional NATS mirror of every event.
type natsFlags struct {
	url     string
	subject string
	stream  string
}

func (f *natsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "nats-url", "", "also publish events to this NATS server (overrides config)")
	cmd.Flags().StringVar(&f.subject, "nats-subject", "", "NATS subject prefix (default "+sink.DefaultNATSSubject+")")
	cmd.Flags().StringVar(&f.stream, "nats-stream", "", "publish through this JetStream stream")
}

// open connects when a server is set by flag or by the config context. It
// returns a nil sink otherwise. The returned func flushes and disconnects.
func (f *natsFlags) open(root *rootOptions, clientName string) (forward.Sink, func(), error) {
	url, subject, stream, compressAbove := f.url, f.subject, f.stream, 0
	if root.conn != nil && root.conn.Context != nil && root.conn.Context.NATS != nil {
		cfg := root.conn.Context.NATS
		if url == "" {
			url = cfg.URL
		}
		if subject == "" {
			subject = cfg.Subject
		}
		if stream == "" {
			stream = cfg.Stream
		}
		compressAbove = cfg.CompressAbove
	}
	if url == "" {
		return nil, func() {}, nil
	}
	conn, err := sink.ConnectNATS(url, clientName)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: %w", err)
	}
	ns, err := sink.NewNATS(conn, sink.NATSOptions{
		Subject:       subject,
		Stream:        stream,
		CompressAbove: compressAbove,
		Logger:        root.logger,
	})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: %w", err)
	}
	root.logger.Info("mirroring events to nats", "url", url, "subject", subject, "stream", stream)
	return ns, func() {
		_ = ns.Close()
		drain(conn)
	}, nil
}

func drain(conn *nats.Conn) {
	if err := conn.Drain(); err != nil {
		conn.Close()
	}
}
