package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/matchclient"
	"github.com/park285/cheese-match-server/internal/protocol"
)

func main() {
	baseURL := flag.String("url", envDefault("MATCH_BASE_URL", "http://localhost:8080"), "match server base URL")
	token := flag.String("token", os.Getenv("MATCH_TOKEN"), "bearer token")
	code := flag.String("code", "", "join this match instead of creating one")
	watch := flag.Duration("watch", 10*time.Second, "how long to print incoming frames")
	flag.Parse()

	if *token == "" {
		log.Fatal("MATCH_TOKEN or -token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := matchclient.NewClient(*baseURL, *token)
	if *code == "" {
		m, err := client.Create(ctx)
		if err != nil {
			log.Fatalf("create error: %v", err)
		}
		*code = m.Code
		log.Printf("created match %s", m.Code)
	} else {
		m, err := client.Get(ctx, *code)
		if err != nil {
			log.Fatalf("fetch error: %v", err)
		}
		log.Printf("match %s status=%s moves=%d", m.Code, m.Status, len(m.MoveLog))
	}

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws"
	sock, err := matchclient.Dial(ctx, wsURL, *token,
		matchclient.WithReconnect(5),
		matchclient.WithStateCallback(func(s matchclient.State) { log.Printf("WS state: %s", s) }),
	)
	if err != nil {
		log.Fatalf("ws connect error: %v", err)
	}
	defer func() { _ = sock.Close() }()

	if err := sock.Join(ctx, *code); err != nil {
		log.Fatalf("join error: %v", err)
	}

	wctx, wcancel := context.WithTimeout(context.Background(), *watch)
	defer wcancel()
	for {
		env, err := sock.Next(wctx)
		if err != nil {
			return
		}
		printFrame(env)
	}
}

func printFrame(env protocol.Envelope) {
	var pretty map[string]any
	if err := json.Unmarshal(env.Payload, &pretty); err != nil {
		fmt.Printf("%s (undecodable payload)\n", env.Type)
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("%s %s\n", env.Type, out)
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
