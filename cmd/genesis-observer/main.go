// Command genesis-observer tails the runtime graph: it converges from the
// durable topology records, then prints node and edge changes, liveliness
// flips, and the transient activity feed.
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/genesis-observer
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/genesis-fabric/genesis/config"
	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/monitor/observer"
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

	graph, err := observer.NewGraph(ctx, observer.Options{
		Client:            client,
		TopologyMap:       cfg.Namespace + ":topology",
		AdvertMap:         cfg.Namespace + ":adverts",
		HeartbeatInterval: cfg.Discovery.HeartbeatInterval,
		MissedHeartbeats:  cfg.Discovery.MissedHeartbeats,
		Logger:            telemetry.NewClueLogger(),
	})
	if err != nil {
		return fmt.Errorf("join runtime graph: %w", err)
	}
	defer func() {
		if err := graph.Close(context.Background()); err != nil {
			log.Printf("close graph: %v", err)
		}
	}()

	nodes, edges := graph.Snapshot()
	log.Printf("converged: %d nodes, %d edges", len(nodes), len(edges))
	for _, n := range nodes {
		log.Printf("node %s kind=%s name=%q state=%s", n.GUID, n.Kind, n.Name, n.State)
	}
	for _, e := range edges {
		log.Printf("edge %s -> %s type=%s", e.From, e.To, e.Type)
	}

	for {
		select {
		case <-ctx.Done():
			log.Print("shutting down observer")
			return nil
		case c := <-graph.Changes():
			printChange(c)
		case a := <-graph.Activities():
			printActivity(a)
		}
	}
}

func printChange(c observer.Change) {
	switch {
	case c.Node != nil && c.Removed:
		log.Printf("node removed %s", c.Node.GUID)
	case c.Node != nil:
		log.Printf("node %s kind=%s name=%q state=%s", c.Node.GUID, c.Node.Kind, c.Node.Name, c.Node.State)
	case c.Edge != nil && c.Removed:
		log.Printf("edge removed %s -> %s type=%s", c.Edge.From, c.Edge.To, c.Edge.Type)
	case c.Edge != nil:
		log.Printf("edge %s -> %s type=%s", c.Edge.From, c.Edge.To, c.Edge.Type)
	}
}

func printActivity(a monitor.Activity) {
	line := fmt.Sprintf("activity chain=%s type=%s %s -> %s op=%s", a.ChainID, a.Type, a.Source, a.Target, a.Operation)
	if a.DurationMS > 0 {
		line += fmt.Sprintf(" duration=%dms", a.DurationMS)
	}
	if a.Error != "" {
		line += " error=" + a.Error
	}
	log.Print(line)
}
