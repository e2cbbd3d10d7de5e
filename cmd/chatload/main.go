// chatload drives the SDK against a running broker: it registers user
// pairs, opens a chat per pair, connects both ends over the websocket
// and exchanges messages while counting live deliveries.
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketchat/internal/api"
	"marketchat/internal/credstore"
	"marketchat/internal/logging"
	"marketchat/internal/realtime"
)

func main() {
	origin := flag.String("origin", "http://localhost:8080", "broker API origin")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	messages := flag.Int("messages", 20, "messages each side sends")
	level := flag.String("log-level", "info", "zerolog level")
	flag.Parse()

	log := logging.New(*level, true)
	log.Info().Int("pairs", *pairs).Int("messages", *messages).Msg("starting load run")

	var sent, received atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(pairID, *origin, *messages, &sent, &received); err != nil {
				log.Error().Err(err).Int("pair", pairID).Msg("pair failed")
			}
		}(i)
	}
	wg.Wait()

	// Late deliveries trickle in after the last send.
	time.Sleep(2 * time.Second)
	log.Info().
		Int64("sent", sent.Load()).
		Int64("received", received.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load run complete")
}

type participant struct {
	api  *api.Client
	rt   *realtime.Client
	user *api.User
}

func login(ctx context.Context, origin, username, password string) (*participant, error) {
	creds := &credstore.Memory{}
	client, err := api.NewClient(origin, creds, nil, logging.New("warn", true))
	if err != nil {
		return nil, err
	}

	// Registration conflicts are fine on reruns; login decides.
	_ = client.Register(ctx, username, username+"@load.test", password)
	u, err := client.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}

	rt := realtime.New(realtime.Config{
		URL:    client.WebSocketURL(),
		Logger: logging.New("warn", true),
	}, creds)
	if err := rt.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", username, err)
	}
	return &participant{api: client, rt: rt, user: u}, nil
}

func runPair(pairID int, origin string, messages int, sent, received *atomic.Int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	password := "load-pass-123"
	a, err := login(ctx, origin, fmt.Sprintf("load_%d_a", pairID), password)
	if err != nil {
		return err
	}
	defer a.rt.Disconnect()
	b, err := login(ctx, origin, fmt.Sprintf("load_%d_b", pairID), password)
	if err != nil {
		return err
	}
	defer b.rt.Disconnect()

	chat, err := a.api.CreateChat(ctx, b.user.ID)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	onMessage := func(realtime.ChatMessage) { received.Add(1) }
	a.rt.SubscribeToChat(chat.ID, onMessage)
	b.rt.SubscribeToChat(chat.ID, onMessage)

	var sendWg sync.WaitGroup
	for _, p := range []*participant{a, b} {
		sendWg.Add(1)
		go func(p *participant) {
			defer sendWg.Done()
			for i := 0; i < messages; i++ {
				p.rt.SendTyping(chat.ID)
				body := fmt.Sprintf("load message %d from %s", i, p.user.Username)
				if _, err := p.api.SendMessage(ctx, chat.ID, body); err != nil {
					return
				}
				sent.Add(1)
				time.Sleep(10 * time.Millisecond)
			}
		}(p)
	}
	sendWg.Wait()
	return nil
}
