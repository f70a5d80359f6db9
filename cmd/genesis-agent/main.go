// Command genesis-agent runs one monitored agent process on the fabric.
//
// The agent advertises itself on the discovery bus, serves its RPC endpoint,
// and orchestrates the configured LLM provider over the discovered functions
// and peer agents. All processes sharing the same REDIS_URL form one runtime.
//
// # Configuration
//
// Settings come from an optional YAML file (-config) with environment
// overrides; see the config package for the full variable list.
//
// # Example
//
//	REDIS_URL=localhost:6379 AGENT_NAME=researcher \
//	MODEL_PROVIDER=anthropic ANTHROPIC_API_KEY=... MODEL_NAME=claude-sonnet-4-5 \
//	go run ./cmd/genesis-agent
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/agent"
	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/comm"
	"github.com/genesis-fabric/genesis/config"
	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/memory"
	"github.com/genesis-fabric/genesis/memory/inmem"
	mongomem "github.com/genesis-fabric/genesis/memory/mongo"
	redismem "github.com/genesis-fabric/genesis/memory/redis"
	"github.com/genesis-fabric/genesis/model/anthropic"
	"github.com/genesis-fabric/genesis/model/bedrock"
	"github.com/genesis-fabric/genesis/model/openai"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/registry"
	"github.com/genesis-fabric/genesis/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Agent.Name == "" {
		return errors.New("agent name is required (AGENT_NAME)")
	}
	if cfg.Model.Provider == "" {
		return errors.New("model provider is required (MODEL_PROVIDER)")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	client, err := pulse.New(pulse.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create fabric client: %w", err)
	}
	logger := telemetry.NewClueLogger()

	guid := uuid.NewString()
	bus, err := advert.NewBus(ctx, advert.Options{
		Client:            client,
		GUID:              guid,
		Logger:            logger,
		MapName:           cfg.Namespace + ":adverts",
		HeartbeatInterval: cfg.Discovery.HeartbeatInterval,
		MissedHeartbeats:  cfg.Discovery.MissedHeartbeats,
	})
	if err != nil {
		return fmt.Errorf("join advertisement bus: %w", err)
	}
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			log.Printf("close bus: %v", err)
		}
	}()

	functions := registry.NewFunctions(bus, logger)
	defer functions.Close()
	agents, err := comm.NewAgents(comm.Options{Client: client, Bus: bus, Logger: logger})
	if err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}
	defer func() {
		if err := agents.Close(context.Background()); err != nil {
			log.Printf("close agent directory: %v", err)
		}
	}()

	provider, err := buildProvider(ctx, cfg.Model)
	if err != nil {
		return err
	}
	store, err := buildMemory(ctx, cfg.Memory, rdb)
	if err != nil {
		return err
	}

	core, err := agent.New(agent.Options{
		Config: agent.Config{
			Name:                cfg.Agent.Name,
			Endpoint:            cfg.Agent.Endpoint,
			Description:         cfg.Agent.Description,
			Specializations:     cfg.Agent.Specializations,
			Capabilities:        cfg.Agent.Capabilities,
			Model:               cfg.Model.Name,
			Temperature:         cfg.Model.Temperature,
			MaxTokens:           cfg.Model.MaxTokens,
			MaxTurns:            cfg.Agent.MaxTurns,
			AgentCallTimeout:    cfg.Agent.CallTimeout,
			FunctionCallTimeout: cfg.Agent.FunctionTimeout,
		},
		Provider:  provider,
		Memory:    store,
		Client:    client,
		Bus:       bus,
		Functions: functions,
		Agents:    agents,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	pub, err := monitor.NewPublisher(ctx, monitor.PublisherOptions{
		Client:      client,
		GUID:        guid,
		TopologyMap: cfg.Namespace + ":topology",
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create topology publisher: %w", err)
	}

	monitored, err := monitor.NewMonitoredAgent(monitor.MonitoredOptions{
		Agent:     core,
		Publisher: pub,
		Functions: functions,
		Agents:    agents,
		WarmUp:    cfg.Agent.WarmUp,
		Logger:    logger,
		Metrics:   telemetry.NewClueMetrics(),
		Tracer:    telemetry.NewClueTracer(),
	})
	if err != nil {
		return fmt.Errorf("create monitored agent: %w", err)
	}
	defer func() {
		if err := monitored.Close(context.Background()); err != nil {
			log.Printf("close agent: %v", err)
		}
	}()

	if err := monitored.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	log.Printf("agent %s (%s) serving endpoint %q", cfg.Agent.Name, guid, cfg.Agent.Endpoint)

	<-ctx.Done()
	log.Printf("shutting down agent %s", cfg.Agent.Name)
	return nil
}

func buildProvider(ctx context.Context, cfg config.Model) (model.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.Name)
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.Name)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.NewFromConfig(awsCfg, cfg.Name)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func buildMemory(ctx context.Context, cfg config.Memory, rdb *redis.Client) (memory.Store, error) {
	switch cfg.Backend {
	case "", "inmem":
		return inmem.New(), nil
	case "redis":
		return redismem.New(redismem.Options{Client: rdb})
	case "mongo":
		return mongomem.NewFromURI(ctx, cfg.MongoURI, mongomem.Options{})
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}
