package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/api"
	"github.com/omochice/huddle/internal/call"
	"github.com/omochice/huddle/internal/client"
	"github.com/omochice/huddle/internal/config"
	"github.com/omochice/huddle/internal/logger"
	"github.com/omochice/huddle/pkg/protocol"
)

const usage = `Commands:
  /channel <id>      switch to a channel
  /create <name>     create a text channel and switch to it
  /dm <user>         switch to the direct messages with a user
  /call <user>       start an audio call
  /video <user>      start a video call
  /hangup            end the current call
  /quit              exit
Anything else is sent to the active conversation.`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	envFile := fs.String("env", ".env", "Path to a .env file")
	serverURL := fs.String("server", "", "Relay WebSocket URL (e.g., ws://localhost:8080)")
	apiURL := fs.String("api", "", "Relay HTTP URL (e.g., http://localhost:8080)")
	userID := fs.String("user", "", "User id to connect as")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if cfg.UserID == "" {
		return errors.New("user id is required. Use -user flag")
	}

	logg := logger.New(cfg.Logging.Level)
	defer logg.Sync()

	media, codecs, err := newMediaSource(logg.Named("media"))
	if err != nil {
		return fmt.Errorf("failed to prepare media: %w", err)
	}
	peers, err := call.NewPionFactory(call.PionConfig{
		ICEServers: cfg.ICEServers,
		Trickle:    cfg.Trickle,
		Codecs:     codecs,
		Log:        logg.Named("peer"),
	})
	if err != nil {
		return fmt.Errorf("failed to prepare webrtc: %w", err)
	}
	rest := api.NewClient(cfg.APIURL, cfg.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, client.Options{
		ServerURL:    cfg.ServerURL,
		UserID:       cfg.UserID,
		PingInterval: cfg.PingInterval,
	}, client.Deps{API: rest, Media: media, Peers: peers}, logg.Named("client"))
	cancel()
	if err != nil {
		logg.Error("failed to connect", zap.String("server", cfg.ServerURL), zap.Error(err))
		return err
	}
	defer c.Close()

	fmt.Printf("Connected to %s as %s\n%s\n", cfg.ServerURL, cfg.UserID, usage)

	disconnected := make(chan struct{})
	go func() {
		newPrinter(os.Stdout).run(c.Notices())
		close(disconnected)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigChan:
			return nil
		case <-disconnected:
			fmt.Println("Disconnected from server")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(c, rest, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input. It reports whether to exit.
func handleLine(c *client.Client, rest *api.Client, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.SendMessage(line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/channel":
		if arg == "" {
			fmt.Println("usage: /channel <id>")
			return false
		}
		c.Select(protocol.Channel(arg))
	case "/create":
		ch, err := rest.CreateChannel(ctx, "default", arg, "text")
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		fmt.Printf("* created #%s (%s)\n", ch.Name, ch.ID)
		c.Select(protocol.Channel(ch.ID))
	case "/dm":
		dm, err := rest.OpenDM(ctx, arg)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		c.Select(protocol.DM(dm.ID))
	case "/call":
		c.Call(arg, call.Audio)
	case "/video":
		c.Call(arg, call.Video)
	case "/hangup":
		c.Hangup()
	default:
		fmt.Println(usage)
	}
	return false
}
