package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hipbot/hipchat/internal/client"
	"github.com/hipbot/hipchat/internal/config"
	"github.com/hipbot/hipchat/internal/logging"
	"github.com/hipbot/hipchat/internal/storage/sqlite"
	"github.com/hipbot/hipchat/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	var store *sqlite.DB
	if cfg.Storage.SaveMessages {
		store, err = sqlite.New(cfg.Storage.DataDir)
		if err != nil {
			log.Fatalf("Failed to open message store: %v", err)
		}
		defer store.Close()
	}

	if cfg.Metrics.Enabled {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, nil); err != nil {
				logging.Error("metrics listener: %v", err)
			}
		}()
	}

	trans, err := transport.New(transport.Config{
		JID:            cfg.Account.JID,
		Password:       cfg.Account.Password,
		Server:         cfg.Account.Host,
		Resource:       cfg.Account.Resource,
		Reconnect:      cfg.Client.Reconnect,
		ReconnectDelay: time.Duration(cfg.Client.ReconnectDelayMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	bot := client.New(client.Options{
		Host:         cfg.Account.Host,
		MUCHost:      cfg.Account.MUCHost,
		KeepAlive:    time.Duration(cfg.Client.KeepAliveMs) * time.Millisecond,
		QueryTimeout: time.Duration(cfg.Client.QueryTimeoutMs) * time.Millisecond,
	}, trans)

	bot.On(client.EventMessage, func(ev client.Event) {
		if store != nil {
			if err := store.SaveMessage(ev.Message); err != nil {
				logging.Warn("failed to save message: %v", err)
			}
		}
	})

	bot.On(client.EventBotCommand, func(ev client.Event) {
		m := ev.Message
		logging.Info("command !%s from %s", m.Command, m.From)
		if m.Command == "ping" {
			target := m.From.String()
			if m.Channel.String() != "" {
				target = m.Channel.String()
			}
			if err := bot.PostMessage(target, "pong"); err != nil {
				logging.Warn("failed to reply: %v", err)
			}
		}
	})

	bot.On(client.EventInvite, func(ev client.Event) {
		inv := ev.Message.Invite
		logging.Info("invited to %s by %s: %s", inv.Room, inv.From, inv.Reason)
		if err := bot.JoinRoom(inv.Room.String(), 0); err != nil {
			logging.Warn("failed to join %s: %v", inv.Room, err)
		}
	})

	bot.On(client.EventError, func(ev client.Event) {
		logging.Error("session error: %v", ev.Err)
	})

	if err := bot.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := bot.Close(); err != nil {
		logging.Warn("shutdown: %v", err)
	}
}
