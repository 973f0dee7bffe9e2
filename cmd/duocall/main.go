// Command duocall is the terminal client: it matches the user with a
// partner, joins the call, and drives chat, friend requests, and assisted
// input from an interactive prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/duovoice/duocall/internal/call"
	"github.com/duovoice/duocall/internal/chat"
	"github.com/duovoice/duocall/internal/config"
	"github.com/duovoice/duocall/internal/friend"
	"github.com/duovoice/duocall/internal/match"
	"github.com/duovoice/duocall/internal/media"
	"github.com/duovoice/duocall/internal/metrics"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if cfg.UserID == "" {
		cfg.UserID = "user-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("duocall exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pterm.Info.Printfln("duocall: signing in as %s", cfg.UserID)

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for a partner...")
	matcher := match.NewClient(cfg.ServerURL, nil, cfg.MatchPollInterval, logger)
	res, err := matcher.Wait(ctx, cfg.UserID)
	if err != nil {
		spinner.Fail("Matchmaking aborted")
		return err
	}
	spinner.Success(fmt.Sprintf("Matched with %s in room %s", res.PeerID, res.RoomID))

	c, err := call.Join(ctx, call.Config{
		RoomID:       res.RoomID,
		LocalID:      cfg.UserID,
		RemoteID:     res.PeerID,
		SignalURL:    cfg.SignalWSURL(res.RoomID),
		ChatHTTPBase: cfg.ServerURL,
		ChatWSURL:    cfg.ChatWSURL(res.RoomID),
		ICEServers:   cfg.ICEServers,
		Media:        media.NewStaticSource(cfg.WithAudio),
		FriendStore:  friend.NewStoreClient(cfg.ServerURL, nil),
		Logger:       logger,
		Metrics:      metrics.New(),
		OnConnected: func() {
			pterm.Success.Println("Peer connection established")
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			pterm.Info.Printfln("Receiving remote %s track", track.Kind())
		},
		OnChatMessage: func(m chat.Message) {
			pterm.Printfln("[%s] %s", m.SenderID, m.Content)
		},
		OnFriendRequest: func(from string) {
			pterm.Info.Printfln("%s wants to be your friend (use /accept or /decline)", from)
		},
		OnFriendResult: func(accepted bool) {
			if accepted {
				pterm.Success.Println("Friend request accepted")
			} else {
				pterm.Warning.Println("Friend request declined")
			}
		},
		OnAssistOpen: func(from, prompt string) {
			pterm.Info.Printfln("%s opened assisted input: %s", from, prompt)
		},
		OnAssistText: func(text string) {
			pterm.Printfln("[assist] %s", text)
		},
		OnAssistEnd: func() {
			pterm.Info.Println("Assisted input ended")
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.Done():
		}
	}()

	prompt(ctx, c)

	select {
	case <-c.Done():
	case <-ctx.Done():
	}
	return nil
}

// prompt reads commands until the call or the context ends. Plain input is
// sent as chat; /commands drive the sub-protocols.
func prompt(ctx context.Context, c *call.Call) {
	pterm.Println()
	pterm.Info.Println("Type to chat. Commands: /friend /accept /decline /assist <prompt> /type <text> /end /quit")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		default:
		}

		line, _ := pterm.DefaultInteractiveTextInput.Show()
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			_ = c.Close()
			return
		case line == "/friend":
			report(c.Friends().Request())
		case line == "/accept":
			report(c.Friends().Accept(ctx))
		case line == "/decline":
			report(c.Friends().Decline())
		case strings.HasPrefix(line, "/assist"):
			text := strings.TrimSpace(strings.TrimPrefix(line, "/assist"))
			if text == "" {
				text = "assisted input"
			}
			report(c.Assist().Open(text))
		case strings.HasPrefix(line, "/type "):
			report(c.Assist().SetText(strings.TrimPrefix(line, "/type ")))
		case line == "/end":
			report(c.Assist().End())
		default:
			if c.Chat() == nil {
				pterm.Warning.Println("Chat is not available in this call")
				continue
			}
			_, err := c.Chat().Send(line)
			report(err)
		}
	}
}

func report(err error) {
	if err != nil {
		pterm.Warning.Printfln("%v", err)
	}
}
