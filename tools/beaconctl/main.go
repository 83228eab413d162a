package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/beacon/notify"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "topics", "producers", "snapshots", "fence", "clusters", "subscriptions":
		if err := run(cmd, args, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", cmd, err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("beaconctl version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`beaconctl - Beacon broker admin tool

Usage:
  beaconctl <command> [options]

Commands:
  topics         List topics
  producers      Show producers, epoch and waiting producers of a topic
  snapshots      Show snapshot history of a topic, or stream new ones with --watch
  fence          Increment the topic epoch, fencing every producer
  clusters       Show or replace the remote clusters of a topic
  subscriptions  List subscriptions of a topic
  version        Print version
  help           Show this help

Common Options:
  --host          Broker address (default: 127.0.0.1:6650)
  --secret        Admin secret (default: $BEACON_ADMIN_SECRET)
  --timeout       Request timeout (default: 10s)
  --topic         Topic name (every command but topics)
  --json          Print raw JSON

Command Options:
  fence     --epoch   Raise the new epoch to at least epoch+1
  clusters  --set     Comma-separated remote clusters to snapshot with
  snapshots --watch   Stream snapshots as they are recorded
            --limit   Stop watching after this many snapshots

Examples:
  beaconctl topics --host=127.0.0.1:6650
  beaconctl fence --topic=orders --epoch=12
  beaconctl clusters --topic=orders --set=us-west,eu-central
  beaconctl snapshots --topic=orders --watch --limit=5`)
}

func parseFlags(cmd string, args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)

	fs.StringVar(&cfg.Host, "host", "127.0.0.1:6650", "Broker address")
	fs.StringVar(&cfg.Secret, "secret", os.Getenv("BEACON_ADMIN_SECRET"), "Admin secret")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Request timeout")
	fs.StringVar(&cfg.Topic, "topic", "", "Topic name")
	fs.BoolVar(&cfg.JSON, "json", false, "Print raw JSON")

	switch cmd {
	case "fence":
		fs.Uint64Var(&cfg.Epoch, "epoch", 0, "Raise the new epoch to at least epoch+1")
	case "clusters":
		fs.StringVar(&cfg.Set, "set", "", "Comma-separated remote clusters")
	case "snapshots":
		fs.BoolVar(&cfg.Watch, "watch", false, "Stream snapshots as they are recorded")
		fs.IntVar(&cfg.Limit, "limit", 0, "Stop watching after this many snapshots")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(cmd != "topics"); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd string, args []string, out io.Writer) error {
	cfg, err := parseFlags(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return execute(ctx, NewClient(cfg), cfg, cmd, out)
}

func execute(ctx context.Context, client *Client, cfg *Config, cmd string, out io.Writer) error {
	switch cmd {
	case "topics":
		topics, err := client.Topics(ctx)
		if err != nil {
			return err
		}
		if cfg.JSON {
			return printJSON(out, topics)
		}
		printTopics(out, topics)

	case "producers":
		state, err := client.Producers(ctx, cfg.Topic)
		if err != nil {
			return err
		}
		if cfg.JSON {
			return printJSON(out, state)
		}
		printProducers(out, cfg.Topic, state)

	case "snapshots":
		if cfg.Watch {
			return client.Watch(ctx, cfg.Topic, cfg.Limit, func(sig notify.Signal) {
				if cfg.JSON {
					_ = printJSON(out, sig)
					return
				}
				printSignal(out, sig)
			})
		}
		state, err := client.Snapshots(ctx, cfg.Topic)
		if err != nil {
			return err
		}
		if cfg.JSON {
			return printJSON(out, state)
		}
		printSnapshots(out, state)

	case "fence":
		epoch, err := client.Fence(ctx, cfg.Topic, cfg.Epoch)
		if err != nil {
			return err
		}
		if cfg.JSON {
			return printJSON(out, map[string]uint64{"epoch": epoch})
		}
		fmt.Fprintf(out, "topic %s fenced, epoch is now %d\n", cfg.Topic, epoch)

	case "clusters":
		var state *ClusterState
		var err error
		if cfg.Set != "" {
			state, err = client.SetClusters(ctx, cfg.Topic, cfg.ClusterList())
		} else {
			state, err = client.Clusters(ctx, cfg.Topic)
		}
		if err != nil {
			return err
		}
		if cfg.JSON {
			return printJSON(out, state)
		}
		printClusters(out, state)

	case "subscriptions":
		subs, err := client.Subscriptions(ctx, cfg.Topic)
		if err != nil {
			return err
		}
		if cfg.JSON {
			return printJSON(out, subs)
		}
		printSubscriptions(out, subs)

	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}
