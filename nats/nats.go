package nats

import (
	"context"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	// NC is the global NATS connection
	NC *nats.Conn

	js jetstream.JetStream
)

// Connect initializes the global NATS connection
func Connect(natsURL string) {
	var err error
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	NC, err = nats.Connect(natsURL)
	if err != nil {
		log.Fatalf("Error connecting to NATS: %v\n", err)
	}

	js, err = jetstream.New(NC)
	if err != nil {
		log.Fatalf("Error creating JetStream context: %v\n", err)
	}

	log.Println("NATS connection established:", natsURL)
}

// Close closes the global NATS connection
func Close() {
	if NC != nil {
		NC.Close()
		log.Println("NATS connection closed")
	}
}

// CreateDurableConsumer attaches a durable consumer to the pipeline stream,
// filtered to the trigger subjects.
func CreateDurableConsumer(ctx context.Context, jetstreamName string, consumerName string, filterSubject string) (jetstream.Consumer, error) {
	stream, err := js.Stream(ctx, jetstreamName)
	if err != nil {
		return nil, err
	}

	cons, err := stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: filterSubject,
	})

	return cons, err
}

// Publish sends payload to a JetStream subject.
func Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := js.Publish(ctx, subject, payload)
	return err
}

// SubscribeStatus answers run status queries over request/reply: a request
// carrying a run id gets the cached pipeline record back as JSON.
func SubscribeStatus(subject string, lookup func(id string) ([]byte, bool)) error {
	_, err := NC.Subscribe(subject, func(msg *nats.Msg) {
		if err := msg.Respond(statusReply(lookup, string(msg.Data))); err != nil {
			log.Printf("Error responding to status query: %v\n", err)
		}
	})
	return err
}

func statusReply(lookup func(string) ([]byte, bool), id string) []byte {
	if data, ok := lookup(id); ok {
		return data
	}
	return []byte(`{"error":"unknown run id"}`)
}
