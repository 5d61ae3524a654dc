// Command campusctl is a terminal client for the campus chat relay: rooms,
// optimistic sends and a voice mesh driven from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"campus-chat/internal/api"
	"campus-chat/internal/cli"
	"campus-chat/internal/config"
	"campus-chat/internal/kv"
	"campus-chat/internal/logging"
	"campus-chat/internal/realtime"
	"campus-chat/internal/session"
	"campus-chat/internal/signaling"
	"campus-chat/internal/timeline"
	"campus-chat/internal/voice"
	"campus-chat/internal/voice/pionrtc"
)

func main() {
	email := flag.String("email", "", "log in with this email when TOKEN is unset")
	password := flag.String("password", "", "password for -email")
	room := flag.String("room", "", "room to open on start (defaults to the last one)")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *email, *password, *room, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("campusctl failed")
	}
}

func run(ctx context.Context, cfg config.Client, email, password, room string, logger zerolog.Logger) error {
	apiClient := api.NewClient(cfg.ServerURL, cfg.Token, logger)
	if cfg.Token == "" {
		if email == "" {
			return errors.New("set TOKEN or pass -email and -password")
		}
		token, user, err := apiClient.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		cfg.Token = token
		apiClient.SetToken(token)
		if cfg.UserID == "" {
			cfg.UserID = user.ID
		}
		if cfg.UserName == "" {
			cfg.UserName = user.Name
		}
	}
	if cfg.UserID == "" {
		return errors.New("USER_ID is required")
	}

	store, err := kv.Open(ctx, cfg.KVBackend, cfg.KVTarget())
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer store.Close()

	sess := session.New(store, cfg.UserID, logger)
	if err := sess.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("restore session")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	sig := signaling.NewClient(signaling.Options{URL: cfg.WSURL, Header: header}, logger)

	messages := timeline.NewStore(sig, apiClient, sess, timeline.Options{
		Self:        timeline.Identity{ID: cfg.UserID, Name: cfg.UserName},
		SendTimeout: cfg.SendTimeout,
		PageSize:    cfg.PageSize,
	}, logger)

	factory, err := pionrtc.NewFactory(cfg.STUNURLs)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	devices := &pionrtc.Devices{StreamID: "campus-" + cfg.UserID, FeedSilence: true}
	mesh := voice.NewController(cfg.UserID, sig, devices, factory, logger)

	core := realtime.NewCore(sig, messages, sess, mesh, logger)
	shell := cli.NewShell(core, messages, sess, mesh, os.Stdout, logger)

	ready := make(chan struct{})
	var once sync.Once
	sig.OnStateChange(func(state signaling.State) {
		if state == signaling.StateConnected {
			once.Do(func() { close(ready) })
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := sig.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("signaling stopped")
		}
	}()

	if room == "" {
		room = sess.ActiveRoom()
	}
	if room != "" {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if _, err := shell.Exec(ctx, "/room "+room); err != nil {
			logger.Warn().Err(err).Str("room", room).Msg("open room")
		}
	}

	err = shell.Run(runCtx, os.Stdin)
	if closeErr := core.Close(context.WithoutCancel(ctx)); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("save session")
	}
	return err
}
