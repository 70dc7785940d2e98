package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/campuslink/chat-app/internal/config"
	"github.com/campuslink/chat-app/internal/messaging"
	"github.com/campuslink/chat-app/internal/moderation"
)

func main() {
	log.Println("Starting campus chat moderation worker...")

	cfg, err := config.Read("moderator")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	natsConfig := messaging.DefaultNATSConfig()
	if cfg.NATSURL != "" {
		natsConfig.URL = cfg.NATSURL
	}
	natsConfig.Name = "campus-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	filter := moderation.NewFilter()
	var scorer moderation.Scorer
	if cfg.ScorerURL != "" {
		scorer = moderation.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerToken, cfg.ScorerTimeout)
	}

	// Queue group: every request is answered by exactly one worker.
	err = natsClient.QueueSubscribe(messaging.SubjectModeration, messaging.QueueModerators, func(msg *nats.Msg) {
		var req moderation.ScoreRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[moderator] failed to unmarshal request: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ScorerTimeout)
		result := moderation.Evaluate(ctx, filter, scorer, req.Text)
		cancel()

		switch {
		case result.Blocked:
			log.Printf("[moderator] BLOCKED term=%q", result.Term)
		case result.Error != "":
			log.Printf("[moderator] scorer error: %s", result.Error)
		}

		data, err := json.Marshal(result)
		if err != nil {
			log.Printf("[moderator] failed to marshal result: %v", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Printf("[moderator] failed to reply: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to moderation checks: %v", err)
	}

	log.Printf("Campus chat moderation worker running")
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  scorer_url: %q", cfg.ScorerURL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
