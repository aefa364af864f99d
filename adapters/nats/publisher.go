// Package nats publishes committed events to a JetStream stream. Delivery
// is at-least-once; consumers deduplicate on the Nats-Msg-Id header, which
// carries the EventID.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xpload/voicecore-events-go/core/es"
)

const (
	defaultSubjectPrefix = "voicecore.events"
	defaultStreamName    = "VOICECORE_EVENTS"
)

// PublisherConfig wires a Publisher.
type PublisherConfig struct {
	// Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Connect Connector
	Log     *slog.Logger
	// SubjectPrefix is prepended to every subject
	// (<prefix>.<tenant>.<aggregate_type>.<aggregate_id>).
	SubjectPrefix string
	StreamName    string
}

// Publisher implements es.EventPublisher on a JetStream stream it ensures
// at startup.
type Publisher struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("bus", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	if info, err := stream.Info(ctx); err == nil {
		log.Debug("ensured", slog.Any("stream", info.Config.Name))
	}

	return &Publisher{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

// Publish writes one committed event to the bus. The message id is the
// EventID, so JetStream's duplicate window absorbs redeliveries.
func (p *Publisher) Publish(ctx context.Context, ev es.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &natsgo.Msg{
		Subject: p.subjectFor(ev),
		Data:    data,
		Header: natsgo.Header{
			"Event-Type":     []string{ev.EventType},
			"Aggregate-Type": []string{ev.AggregateType},
		},
	}

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ev.EventID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	p.log.Debug("published",
		slog.String("subject", msg.Subject),
		slog.String("event_id", ev.EventID),
		slog.Uint64("stream_seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

func (p *Publisher) subjectFor(ev es.Event) string {
	return strings.Join([]string{
		p.subjectPrefix,
		sanitizeToken(ev.TenantID),
		sanitizeToken(ev.AggregateType),
		sanitizeToken(ev.AggregateID),
	}, ".")
}

// sanitizeToken keeps ids usable as subject tokens.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

func (p *Publisher) Close() error {
	p.js.CleanupPublisher()
	p.closeNc()
	p.log.Debug("closed publisher")
	return nil
}

var _ es.EventPublisher = (*Publisher)(nil)
