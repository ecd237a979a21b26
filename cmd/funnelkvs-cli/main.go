package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ryogrid/funnelkvs/internal/chord"
	"github.com/ryogrid/funnelkvs/internal/transport"
	"github.com/ryogrid/funnelkvs/pkg"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: funnelkvs-cli [-h HOST] [-p PORT] command [arguments]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  put KEY VALUE    store a key-value pair")
	fmt.Fprintln(os.Stderr, "  get KEY          retrieve the value for a key")
	fmt.Fprintln(os.Stderr, "  delete KEY       delete a key")
	fmt.Fprintln(os.Stderr, "  ping             check connectivity")
}

func main() {
	host := "127.0.0.1"
	port := 9000

	args := os.Args[1:]
	i := 0
	for i < len(args) && len(args[i]) > 0 && args[i][0] == '-' {
		switch args[i] {
		case "-h":
			if i+1 >= len(args) {
				usage()
				os.Exit(1)
			}
			host = args[i+1]
			i += 2
		case "-p":
			if i+1 >= len(args) {
				usage()
				os.Exit(1)
			}
			if _, err := fmt.Sscanf(args[i+1], "%d", &port); err != nil {
				fmt.Fprintf(os.Stderr, "funnelkvs-cli: invalid port %q\n", args[i+1])
				os.Exit(1)
			}
			i += 2
		case "--help":
			usage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "funnelkvs-cli: unknown option %q\n", args[i])
			usage()
			os.Exit(1)
		}
	}

	if i >= len(args) {
		usage()
		os.Exit(1)
	}
	command := args[i]
	rest := args[i+1:]

	logCfg := pkg.DefaultConfig()
	logCfg.Console.Enable = false
	logger, err := pkg.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "funnelkvs-cli: %v\n", err)
		os.Exit(1)
	}

	client := transport.NewClient(time.Second, 5*time.Second, logger)
	peer := chord.NewNodeRef(host, port)
	ctx := context.Background()

	switch command {
	case "put":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "funnelkvs-cli: put requires KEY and VALUE arguments")
			os.Exit(1)
		}
		if err := client.Put(ctx, peer, rest[0], []byte(rest[1])); err != nil {
			fmt.Fprintf(os.Stderr, "funnelkvs-cli: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("OK")

	case "get":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "funnelkvs-cli: get requires a KEY argument")
			os.Exit(1)
		}
		value, err := client.Get(ctx, peer, rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "funnelkvs-cli: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(value))

	case "delete":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "funnelkvs-cli: delete requires a KEY argument")
			os.Exit(1)
		}
		existed, err := client.Delete(ctx, peer, rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "funnelkvs-cli: %v\n", err)
			os.Exit(1)
		}
		if !existed {
			fmt.Fprintln(os.Stderr, "key not found")
			os.Exit(1)
		}
		fmt.Println("OK")

	case "ping":
		if err := client.Ping(ctx, peer); err != nil {
			fmt.Fprintf(os.Stderr, "funnelkvs-cli: ping failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("PONG")

	default:
		fmt.Fprintf(os.Stderr, "funnelkvs-cli: unknown command %q\n", command)
		usage()
		os.Exit(1)
	}
}
