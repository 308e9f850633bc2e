// Command callwatchctl calls the bot's operator tools over its MCP endpoint.
//
//	callwatchctl [-addr ws://localhost:9090/mcp/ws] [-token T] <tool> [key=value ...]
//
// Tools that change links, consents or roles need the bot's OPS_TOKEN,
// passed with -token or CALLWATCH_OPS_TOKEN.
//
// Example:
//
//	callwatchctl link_notifications guild_id=1 channel_id=2 destination_id=3 role_id=4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/discord-voice-lab/callwatch/internal/mcp"
)

func main() {
	addr := flag.String("addr", envOr("CALLWATCH_MCP_URL", "ws://localhost:9090/mcp/ws"), "bot MCP websocket URL")
	token := flag.String("token", os.Getenv("CALLWATCH_OPS_TOKEN"), "bearer token for the write tools")
	timeout := flag.Duration("timeout", 10*time.Second, "overall request timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: callwatchctl [flags] <tool> [key=value ...]")
		os.Exit(2)
	}
	args, err := parseArgs(flag.Args()[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var opts []mcp.ClientOption
	if *token != "" {
		opts = append(opts, mcp.WithBearerToken(*token))
	}
	c := mcp.NewClient("callwatchctl", "dev", opts...)
	if err := c.Dial(ctx, *addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	out, err := c.Call(ctx, flag.Arg(0), args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(out)
}

func parseArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", p)
		}
		args[k] = v
	}
	return args, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
