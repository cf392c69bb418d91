package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shipraft/shipraft/cache"
	"github.com/shipraft/shipraft/deployment"
	"github.com/shipraft/shipraft/nats"
	"github.com/shipraft/shipraft/secrets"
	"github.com/shipraft/shipraft/utils"
)

const triggerSubject = "Pipeline.Push.Received"

type config struct {
	natsURL       string
	jetStreamName string
	registry      string
	branch        string
	pathPrefix    string
	dataDir       string
	minDelay      time.Duration
	verifyPort    int
}

func loadConfig() config {
	cfg := config{
		natsURL:       os.Getenv("NATS_URL"),
		jetStreamName: os.Getenv("NATS_JETSTREAM_NAME"),
		registry:      os.Getenv("DOCKER_PRIVATE_REGISTRY"),
		branch:        os.Getenv("PIPELINE_BRANCH"),
		pathPrefix:    os.Getenv("PIPELINE_PATH_PREFIX"),
		dataDir:       os.Getenv("PIPELINE_DATA_DIR"),
		minDelay:      5 * time.Second,
		verifyPort:    80,
	}

	if cfg.jetStreamName == "" {
		log.Fatalf("NATS_JETSTREAM_NAME environment variable not set")
	}
	if cfg.branch == "" {
		cfg.branch = "main"
	}
	if cfg.dataDir == "" {
		cfg.dataDir = "/data"
	}
	if v := os.Getenv("PIPELINE_MIN_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid PIPELINE_MIN_DELAY %q: %v\n", v, err)
		}
		cfg.minDelay = d
	}
	if v := os.Getenv("PIPELINE_VERIFY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("Invalid PIPELINE_VERIFY_PORT %q: %v\n", v, err)
		}
		cfg.verifyPort = p
	}

	return cfg
}

func initSecretManager() secrets.SecretManager {
	log.Println("Creating secret client...")
	start := time.Now()

	clientSecret, err := secrets.NewClientSecret(secrets.InfisicalConfig{
		ClientId:     os.Getenv("INFISICAL_CLIENT_ID"),
		ClientSecret: os.Getenv("INFISICAL_CLIENT_SECRET"),
		ProjectId:    os.Getenv("INFISICAL_PROJECT_ID"),
		Environment:  os.Getenv("INFISICAL_ENVIRONMENT"),
	})

	if err != nil {
		log.Fatalf("Error while creating secret client: %v\n", err)
	}

	err = clientSecret.LoadSecrets()

	if err != nil {
		log.Fatalf("Error loading secrets: %v\n", err)
	}

	log.Printf("Secret client created in %s", time.Since(start))

	return clientSecret
}

func initDockerClient(ctx context.Context, registryAddr, username, password string) deployment.Docker {
	log.Println("Creating docker client")
	start := time.Now()

	dockerClient, err := deployment.NewClient(
		deployment.Configs{
			Registry: registryAddr,
			Username: username,
			Password: password,
		})

	if err != nil {
		log.Fatalf("Error while creating docker client: %v\n", err)
	}

	// Check login to private registry successful
	if err := dockerClient.RegistryLogin(ctx); err != nil {
		log.Fatalf("Error logging into registry: %v\n", err)
	}

	log.Printf("Docker client created in %s", time.Since(start))

	return dockerClient
}

func initNats(ctx context.Context, cfg config) jetstream.Consumer {
	log.Println("Creating NATS JetStream consumer")
	start := time.Now()

	nats.Connect(cfg.natsURL)

	// Only trigger events; outcome events published below stay out of the
	// consumer's view.
	cons, err := nats.CreateDurableConsumer(ctx, cfg.jetStreamName, "Shipraft", "Pipeline.Push.*")

	if err != nil {
		log.Fatalf("Error creating JetStream consumer: %v\n", err)
	}

	log.Printf("NATS JetStream consumer created in %s", time.Since(start))

	return cons
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	defer nats.Close()

	ctx := context.Background()
	cfg := loadConfig()

	// Initialise Secret Manager
	secretChan := make(chan secrets.SecretManager)
	go func() {
		clientSecret := initSecretManager()
		secretChan <- clientSecret
	}()

	// Initialise NATS
	consumerChan := make(chan jetstream.Consumer)
	go func() {
		consNats := initNats(ctx, cfg)
		consumerChan <- consNats
	}()

	clientSecret := <-secretChan
	consumer := <-consumerChan

	pipelineSecrets, err := clientSecret.PipelineSecrets()
	if err != nil {
		log.Fatalf("Error resolving pipeline secrets: %v\n", err)
	}

	dockerClient := initDockerClient(ctx, cfg.registry,
		pipelineSecrets[secrets.KeyRegistryUsername],
		pipelineSecrets[secrets.KeyRegistryPassword])

	sshKey, err := secrets.NewKeyVault(pipelineSecrets[secrets.KeySSHPrivateKey])
	if err != nil {
		log.Fatalf("Error sealing SSH key: %v\n", err)
	}

	store, err := utils.NewStore(cfg.dataDir)
	if err != nil {
		log.Fatalf("Error creating data directory: %v\n", err)
	}

	runs := cache.NewRunCache()

	// Anyone on the bus can ask for the state of a run by id.
	if err := nats.SubscribeStatus("Pipeline.Status", runs.Read); err != nil {
		log.Fatalf("Error subscribing to status queries: %v\n", err)
	}

	pipeline := deployment.NewPipeline(
		dockerClient,
		deployment.DialRemote,
		deployment.NewVerifier(nil, 0, 0),
		runs,
		store,
		publishOutcome,
		deployment.PipelineConfig{
			RemoteHost: pipelineSecrets[secrets.KeyRemoteHost],
			SSHUser:    pipelineSecrets[secrets.KeySSHUser],
			SSHKey:     sshKey,
			MinDelay:   cfg.minDelay,
			VerifyPort: cfg.verifyPort,
		},
	)

	consumerInfo, err := consumer.Info(ctx)
	if err != nil {
		log.Fatalf("Error reading consumer info: %v\n", err)
	}

	log.Println("Connected to JetStream:", consumerInfo.Stream)
	log.Println("Durable consumer name:", consumerInfo.Name)
	log.Println("Subjects filtered:", consumerInfo.Config.FilterSubject)
	log.Println("Messages pending:", consumerInfo.NumPending)
	log.Println("Messages pending acknowledgement:", consumerInfo.NumAckPending)

	iter, err := consumer.Messages()
	if err != nil {
		log.Fatalf("Error creating JetStream iterator: %v\n", err)
	}

	log.Println("Ready to listen...")

	// Start the event loop
	for {
		msg, err := iter.Next()

		if err != nil {
			log.Printf("Error reading JetStream message: %v\n", err)
			break
		}

		var event = cloudevents.NewEvent()
		err = json.Unmarshal(msg.Data(), &event)

		if err != nil {
			log.Printf("Error unmarshalling event: %v\n", err)
			msg.Ack()
			continue
		}

		log.Println("Event Subject: ", event.Type())
		log.Println("Event ID: ", event.ID())
		log.Println("Event Source: ", event.Source())

		switch msg.Subject() {

		case triggerSubject:
			handleTrigger(ctx, pipeline, cfg, event)

		default:
			log.Printf("Received a JetStream message: %s\n", string(msg.Data()))
		}

		err = msg.Ack()

		if err != nil {
			log.Printf("Error acknowledging message: %v\n", err)
		}
	}
}

func handleTrigger(ctx context.Context, pipeline *deployment.Pipeline, cfg config, event cloudevents.Event) {
	request := deployment.DeployRequest{}
	err := json.Unmarshal(event.Data(), &request)

	if err != nil {
		log.Printf("Error parsing the event data: %v\n", err)
		return
	}

	if !request.ShouldTrigger(cfg.branch, cfg.pathPrefix) {
		log.Printf("Skipping %v: branch %q / paths %v do not match trigger filter",
			request.App, request.Branch, request.ChangedPaths)
		return
	}

	log.Printf("Received a request to deliver %v as image %v\n", request.App, request.Image)

	go func() {
		record, err := pipeline.Run(ctx, event.ID(), request)
		if err != nil {
			log.Printf("Pipeline run failed for %v: %v\n", request.App, err)
			return
		}
		log.Printf("Pipeline run %v for %v finished in %s", record.ID, record.App, record.Duration)
	}()
}

// publishOutcome wraps a stage result in a CloudEvent and puts it back on the
// stream for anything watching the pipeline.
func publishOutcome(ctx context.Context, eventType string, record deployment.PipelineRecord) {
	event := cloudevents.NewEvent()
	event.SetID(record.ID)
	event.SetSource("shipraft")
	event.SetType(eventType)

	if err := event.SetData(cloudevents.ApplicationJSON, record); err != nil {
		log.Printf("Error encoding outcome event: %v\n", err)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshalling outcome event: %v\n", err)
		return
	}

	if err := nats.Publish(ctx, eventType, payload); err != nil {
		log.Printf("Error publishing outcome event: %v\n", err)
	}
}
