package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/TheAlpha16/simctl-go"
	"github.com/TheAlpha16/simctl-go/stub"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Run a stub simulator so the example works without a build
	srv := stub.NewServer(stub.EchoReplier, stub.WithLogger(logger))
	l, err := srv.ListenZMQ("tcp://127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to start stub: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	t, err := simctl.DialZMQ(ctx, l.Addr(), simctl.WithStartupTimeout(5*time.Second))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	session := simctl.NewSession(t,
		simctl.WithLogger(logger),
		simctl.WithSchema(simctl.DefaultSchema()),
		simctl.WithReceiveTimeout(5*time.Second),
	)
	defer session.Close()

	schema := simctl.DefaultSchema()
	addObject, err := schema.Build("add_object", map[string]any{
		"id":   1,
		"name": "iron_box",
		"url":  "file:///models/iron_box",
	})
	if err != nil {
		log.Fatalf("Failed to build command: %v", err)
	}

	// Register a handler for the frames the stub sends back
	registry := simctl.NewRegistry()
	err = registry.Register(stub.EchoTag, func(ctx context.Context, tag simctl.Tag, frame simctl.Frame) error {
		fmt.Printf("%s: %s\n", tag, frame[simctl.DefaultTagOffset+simctl.TagWidth:])
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to register handler: %v", err)
	}

	batch := simctl.Batch{
		simctl.NewCommand("load_scene", "scene_name", "empty"),
		addObject,
		simctl.NewCommand("step_physics", "frames", 10),
	}
	resp, err := session.Communicate(ctx, batch)
	if err != nil {
		log.Fatalf("Failed to communicate: %v", err)
	}
	if err := registry.Dispatch(ctx, resp); err != nil {
		log.Fatalf("Failed to dispatch: %v", err)
	}

	// An empty batch just advances the simulation
	for i := 0; i < 3; i++ {
		resp, err = session.Communicate(ctx, nil)
		if err != nil {
			log.Fatalf("Failed to step: %v", err)
		}
		fmt.Printf("step %d, %d frames\n", resp.Step(), resp.Len())
	}

	fmt.Println("Quick start example completed!")
}
