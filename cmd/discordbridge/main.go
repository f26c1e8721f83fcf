package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrixdiscord/bridge/internal/admin"
	"github.com/matrixdiscord/bridge/internal/config"
	"github.com/matrixdiscord/bridge/internal/discordwire"
	"github.com/matrixdiscord/bridge/internal/dispatch"
	"github.com/matrixdiscord/bridge/internal/identity"
	"github.com/matrixdiscord/bridge/internal/matrixwire"
	"github.com/matrixdiscord/bridge/internal/outbound"
	"github.com/matrixdiscord/bridge/internal/presence"
	"github.com/matrixdiscord/bridge/internal/provisioning"
	"github.com/matrixdiscord/bridge/internal/store"
	"github.com/matrixdiscord/bridge/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to bridge config (default: "+config.DefaultConfigPath()+")")
	databasePath := flag.String("db", "", "override the bridge sqlite database path (defaults to config value)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("discordbridge %s\n", version.Version)
		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				fmt.Fprintln(os.Stderr, "")
				fmt.Fprintln(os.Stderr, notice)
			}
		}
		os.Exit(0)
	}

	log.Printf("discordbridge %s starting", version.Version)

	if !version.IsDev() {
		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				log.Println(notice)
			}
		}
	}

	if *configPath == "" {
		*configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *databasePath != "" {
		cfg.Database.Path = *databasePath
	}

	if err := config.EnsureDir(cfg.Database.Path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare database directory: %v\n", err)
		os.Exit(1)
	}

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	asToken, err := config.ResolveCredential(cfg.Matrix.ASToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matrix.as_token: %v\n", err)
		os.Exit(1)
	}
	hsToken, err := config.ResolveCredential(cfg.Matrix.HSToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matrix.hs_token: %v\n", err)
		os.Exit(1)
	}
	botToken, err := config.ResolveCredential(cfg.Discord.BotToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discord.bot_token: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var matrixAdapter *matrixwire.Adapter
	idm := identity.New(s, identity.Config{
		Domain:       cfg.Matrix.HomeserverDomain,
		GhostPrefix:  cfg.Matrix.GhostPrefix,
		UploadAvatar: func(discordUserID, avatarHash string) (string, error) {
			url := fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", discordUserID, avatarHash)
			return matrixAdapter.UploadAvatar(ctx, discordUserID, url)
		},
	})

	prov := provisioning.New(time.Duration(cfg.Bridge.ProvisioningTimeoutSeconds) * time.Second)
	defer prov.Shutdown()

	sender := outbound.New(s, outbound.Config{
		DiscordSendDelay: time.Duration(cfg.Bridge.DiscordSendDelayMS) * time.Millisecond,
		RetryBaseDelay:   time.Duration(cfg.Bridge.RetryBaseDelaySeconds) * time.Second,
		RetryMaxDelay:    time.Duration(cfg.Bridge.RetryMaxDelaySeconds) * time.Second,
		MaxAttempts:      cfg.Bridge.MaxAttempts,
	})

	var dispatcher *dispatch.Dispatcher
	var presenceHandler *presence.Handler

	discordAdapter, err := discordwire.New(botToken, discordwire.Handlers{
		OnMessage:    func(m discordwire.InboundMessage) { dispatcher.HandleDiscordMessage(ctx, m) },
		OnDelete:     func(d discordwire.InboundDelete) { dispatcher.HandleDiscordDelete(ctx, d) },
		OnBulkDelete: func(b discordwire.InboundBulkDelete) { dispatcher.HandleDiscordBulkDelete(ctx, b) },
		OnTyping:     func(t discordwire.InboundTyping) { dispatcher.HandleDiscordTyping(ctx, t) },
		OnChannelUpdate: func(u discordwire.InboundChannelUpdate) { dispatcher.HandleDiscordChannelUpdate(ctx, u) },
		OnPresence: func(p discordwire.InboundPresence) {
			presenceHandler.Enqueue(presence.Update{
				UserID:     p.UserID,
				Username:   p.Username,
				State:      discordPresenceState(p.Status),
				Activities: p.Activities,
			})
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct discord adapter: %v\n", err)
		os.Exit(1)
	}

	matrixAdapter, err = matrixwire.New(matrixwire.Config{
		HomeserverURL:    cfg.Matrix.HomeserverURL,
		HomeserverDomain: cfg.Matrix.HomeserverDomain,
		ASToken:          asToken,
		HSToken:          hsToken,
		BotLocalpart:     cfg.Matrix.BotLocalpart,
		GhostPrefix:      cfg.Matrix.GhostPrefix,
		ListenHost:       cfg.Matrix.ListenHost,
		ListenPort:       cfg.Matrix.ListenPort,
	}, matrixwire.Handlers{
		OnMessage: func(e matrixwire.InboundEvent) { dispatcher.HandleMatrixEvent(ctx, e) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct matrix adapter: %v\n", err)
		os.Exit(1)
	}

	presenceHandler = presence.New(func(u presence.Update) error {
		intent, err := matrixAdapter.EnsureGhostIntent(ctx, u.UserID, "", "")
		if err != nil {
			return fmt.Errorf("ensure ghost intent for presence %s: %w", u.UserID, err)
		}
		mp := presence.ToMatrix(u)
		return matrixAdapter.SetGhostPresence(ctx, intent, mp.Presence)
	}, time.Duration(cfg.Bridge.PresenceMinIntervalMS)*time.Millisecond)

	dispatcher = dispatch.New(s, idm, prov, sender, discordAdapter, matrixAdapter, dispatch.Config{
		WebhookName:               cfg.Discord.WebhookName,
		RoomLimit:                 cfg.Bridge.RoomCount,
		UnbridgeNamePrefix:        cfg.Bridge.UnbridgeNamePrefix,
		DisableDeletionForwarding: cfg.Bridge.DisableDeletionForwarding,
	})

	adminSrv := admin.New(s)
	httpSrv := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: adminSrv}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] admin server stopped: %v", err)
		}
	}()

	go presenceHandler.Run(ctx)
	go discordAdapter.Run(ctx)

	log.Printf("[main] matrix appservice listening on %s:%d", cfg.Matrix.ListenHost, cfg.Matrix.ListenPort)
	matrixAdapter.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] admin server shutdown error: %v", err)
	}

	log.Printf("[main] discordbridge stopped")
}

// discordPresenceState maps Discord's wire status strings to the
// coalescing presence handler's closed state set.
func discordPresenceState(status string) presence.DiscordState {
	switch status {
	case "online":
		return presence.StateOnline
	case "idle":
		return presence.StateIdle
	case "dnd":
		return presence.StateDnd
	default:
		return presence.StateOffline
	}
}
