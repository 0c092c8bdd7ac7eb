// cmd/tools/broadcast-queue/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"wa-broadcast-workers/internal/common/config"
	"wa-broadcast-workers/internal/common/database"
	"wa-broadcast-workers/internal/queue"
	dispatch "wa-broadcast-workers/internal/workers/broadcast/dispatch-broadcast"
)

func main() {
	enqueueCmd := flag.NewFlagSet("enqueue", flag.ExitOnError)
	depthCmd := flag.NewFlagSet("depth", flag.ExitOnError)

	file := enqueueCmd.String("file", "", "JSON file holding the dispatch request")
	at := enqueueCmd.String("at", "", "RFC3339 time to run at (default: now)")
	enqueueConfig := enqueueCmd.String("config", "", "Config file (default: configs/config.yaml)")
	depthConfig := depthCmd.String("config", "", "Config file (default: configs/config.yaml)")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "enqueue":
		enqueueCmd.Parse(os.Args[2:])
		if *file == "" {
			fmt.Println("Error: --file is required for enqueue.")
			enqueueCmd.Usage()
			os.Exit(1)
		}
		q := openQueue(*enqueueConfig)
		if err := enqueue(ctx, q, *file, *at); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	case "depth":
		depthCmd.Parse(os.Args[2:])
		q := openQueue(*depthConfig)
		depth, err := q.Depth(ctx)
		if err != nil {
			fmt.Printf("Error reading queue depth: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("queue %s: ready=%d processing=%d delayed=%d dead=%d\n",
			q.Name(), depth.Ready, depth.Processing, depth.Delayed, depth.Dead)
	default:
		help()
		os.Exit(1)
	}
}

func help() {
	fmt.Println("Usage: broadcast-queue <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  enqueue --file request.json [--at 2026-03-02T10:00:00+05:30]   Queue a dispatch task")
	fmt.Println("  depth                                                         Print queue depth")
}

func openQueue(configPath string) *queue.RedisQueue {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	redis, err := database.NewRedis(cfg.Database.Redis)
	if err != nil {
		fmt.Printf("Error connecting to Redis: %v\n", err)
		os.Exit(1)
	}
	return queue.NewRedisQueue(redis.Client, cfg.Queue.Name)
}

func enqueue(ctx context.Context, q *queue.RedisQueue, path, at string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	result := dispatch.ValidateRequest(body)
	if !result.Valid {
		for _, msg := range result.GetErrorMessages() {
			fmt.Printf("  - %s\n", msg)
		}
		return fmt.Errorf("request is not a valid dispatch input")
	}

	var input dispatch.Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	if at == "" {
		id, err := q.Enqueue(ctx, dispatch.TaskType, &input)
		if err != nil {
			return err
		}
		fmt.Printf("Queued task %s for broadcast %d\n", id, input.BroadcastID)
		return nil
	}

	runAt, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return fmt.Errorf("--at: %w", err)
	}
	id, err := q.EnqueueAt(ctx, dispatch.TaskType, &input, runAt)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduled task %s for broadcast %d at %s\n", id, input.BroadcastID, runAt.Format(time.RFC3339))
	return nil
}
