// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/webmessages/pkg/clientsync"
	"github.com/lrhodin/webmessages/pkg/connection"
	"github.com/lrhodin/webmessages/pkg/events"
)

var tailCommand = &cli.Command{
	Name:   "tail",
	Usage:  "Follow a running server's event stream and keep a local cache in sync",
	Before: prepareApp,
	Action: cmdTail,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "Base URL of the server (defaults to client.server from the config)",
		},
		&cli.Int64Flag{
			Name:  "chat",
			Usage: "Logical chat ID to load and keep open",
		},
	},
}

func cmdTail(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	base := ctx.String("server")
	if base == "" {
		base = cfg.Client.Server
	}
	base = strings.TrimSuffix(base, "/")
	activeChat := ctx.Int64("chat")

	cache, err := clientsync.OpenCache(cfg.Client.CachePath, log)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close cache")
		}
	}()
	store := clientsync.NewStore(clientsync.NewAPIClient(base), cache, log)
	store.LoadCachedChats()
	evt := log.Info().
		Int("chats", len(store.Chats())).
		Str("source", string(store.Source()))
	if age, ok := store.CachedChatsAge(); ok {
		evt = evt.Dur("age", age.Round(time.Second))
	}
	evt.Msg("Loaded cached chat list")

	conn := connection.NewManager(base+"/api/events", log)
	conn.OnConnected(func(ctx context.Context) {
		if err := store.RefreshChatList(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh chat list")
			return
		}
		log.Info().Int("chats", len(store.Chats())).Msg("Chat list refreshed")
		if activeChat != 0 {
			if err := store.LoadChat(ctx, activeChat); err != nil {
				log.Warn().Err(err).Int64("chat_id", activeChat).Msg("Failed to load chat")
			}
		}
	})
	conn.OnNewMessages(func(ctx context.Context, items []events.NewMessage) {
		store.HandleNewMessages(ctx, items)
		for _, item := range items {
			if item.Message == nil {
				continue
			}
			evt := log.Info().
				Int64("chat_id", item.ChatID).
				Str("guid", item.Message.GUID).
				Bool("from_me", item.Message.IsFromMe)
			if activeChat != 0 {
				evt = evt.Int("active_chat_messages", len(store.Messages(activeChat)))
			}
			evt.Msg(item.Message.Body)
		}
	})
	conn.OnReadState(func(_ context.Context, chatIDs []int64) {
		store.HandleReadState(chatIDs)
		log.Debug().Ints64("chat_ids", chatIDs).Msg("Read state changed")
	})
	conn.OnStateChange(func(state connection.State, offline bool) {
		log.Info().Stringer("state", state).Bool("offline", offline).Msg("Connection state changed")
	})

	runCtx, cancel := signalContext(ctx.Context)
	defer cancel()
	conn.Start(runCtx)
	<-runCtx.Done()
	conn.Close()
	return nil
}
