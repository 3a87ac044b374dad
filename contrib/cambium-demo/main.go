// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// This is a demonstration binary: it opens one room's timeline, prints
// snapshots as they arrive and pages backwards on demand. Decryption is
// stubbed out since key management lives with the embedding application.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/setup/config"
	"github.com/element-hq/cambium/setup/process"
	"github.com/element-hq/cambium/timelineapi/client"
	"github.com/element-hq/cambium/timelineapi/decryption"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/timeline"
	"github.com/element-hq/cambium/timelineapi/types"
)

var (
	configPath = flag.String("config", "cambium.yaml", "Path to the config file")
	roomID     = flag.String("room", "", "The room to open a timeline for")
	pageSize   = flag.Int("page-size", 20, "Events fetched per pagination")
)

type printingListener struct{}

func (printingListener) OnTimelineUpdated(snapshot []*types.TimelineEvent) {
	fmt.Printf("-- snapshot: %d events\n", len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		ev := snapshot[i]
		body := ev.Root.Type
		if ev.IsEncrypted() {
			body = "<encrypted>"
		}
		fmt.Printf("   %s  %s  %s\n", ev.EventID(), ev.Sender.UserID, body)
	}
}

func (printingListener) OnNewTimelineEvents(eventIDs []string) {
	logrus.WithField("count", len(eventIDs)).Debug("New timeline events")
}

func (printingListener) OnTimelineFailure(err error) {
	logrus.WithError(err).Warn("Timeline failure")
}

// noopCrypto stands in for the embedding application's key management, so
// encrypted rooms render placeholders instead of cleartext.
type noopCrypto struct{}

func (noopCrypto) DecryptEvent(context.Context, *types.Event) (*types.DecryptionResult, error) {
	return nil, &types.CryptoError{Code: types.CryptoErrorUnableToDecrypt, Reason: "no key management in demo"}
}

func (noopCrypto) AddNewSessionListener(func(sessionID string)) func() { return func() {} }

func main() {
	flag.Parse()
	if *roomID == "" {
		logrus.Fatal("A room id must be given with -room")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse log level")
	}
	logrus.SetLevel(level)

	caches, err := caching.NewCaches(cfg.Cache.MaxCost)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create caches")
	}
	db, err := storage.NewDatabase(cfg.Database.ConnectionString, caches)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open timeline store")
	}
	cli, err := client.NewHTTPClient(cfg.Client.HomeserverURL, cfg.Client.UserID, cfg.Client.GetAccessToken())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create homeserver client")
	}

	processCtx := process.NewProcessContext()
	decryptor := decryption.NewDecryptor(db, noopCrypto{})
	decryptor.Start(processCtx)

	settings := types.DefaultTimelineSettings()
	settings.InitialSize = cfg.Timeline.InitialSize
	settings.BuildSenderInfo = cfg.Timeline.BuildSenderInfo

	tl := timeline.NewTimeline(timeline.Dependencies{
		DB:        db,
		Client:    cli,
		Caches:    caches,
		Decryptor: decryptor,
	}, *roomID, settings, printingListener{})
	if err := tl.Start(processCtx.Context()); err != nil {
		logrus.WithError(err).Fatal("Failed to start timeline")
	}
	logrus.WithField("room_id", *roomID).Info("Timeline started, press enter to page backwards")

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if !tl.Paginate(*pageSize, types.DirectionBackwards) {
				logrus.Info("Nothing more to paginate")
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	tl.Dispose()
	decryptor.Destroy()
	processCtx.ShutdownCambium()
	processCtx.WaitForComponentsToFinish()
}
