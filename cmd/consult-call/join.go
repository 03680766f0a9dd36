package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/telecare/consult-relay/internal/callctrl"
	"github.com/telecare/consult-relay/internal/config"
	"github.com/telecare/consult-relay/internal/signaling"
)

var joinFlags struct {
	serverURL     string
	room          string
	participantID string
	displayName   string
	role          string
	stunURLs      []string
	verbose       bool
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a consult room and run the call until interrupted",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.serverURL, "server-url", "ws://127.0.0.1:8080/rooms/signal", "consult-relay signaling URL")
	joinCmd.Flags().StringVar(&joinFlags.room, "room", "", "room id to join (required)")
	joinCmd.Flags().StringVar(&joinFlags.participantID, "participant-id", "", "participant id (defaults to a random id)")
	joinCmd.Flags().StringVar(&joinFlags.displayName, "name", "", "display name shown to the peer (required)")
	joinCmd.Flags().StringVar(&joinFlags.role, "role", "patient", "participant role: doctor or patient")
	joinCmd.Flags().StringSliceVar(&joinFlags.stunURLs, "stun-urls", config.DefaultStunURLs, "STUN server URLs")
	joinCmd.Flags().BoolVar(&joinFlags.verbose, "verbose", false, "enable debug logging")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if joinFlags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	role := signaling.Role(strings.ToLower(joinFlags.role))
	if role != signaling.RoleDoctor && role != signaling.RolePatient {
		return fmt.Errorf("invalid --role %q (expected doctor or patient)", joinFlags.role)
	}

	participantID := joinFlags.participantID
	if participantID == "" {
		participantID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := callctrl.DialTransport(ctx, joinFlags.serverURL, logger)
	if err != nil {
		return err
	}

	api, err := callctrl.NewAPI(logger, nil)
	if err != nil {
		return err
	}
	factory := callctrl.NewWebRTCSessionFactory(api, []config.ICEServer{{URLs: joinFlags.stunURLs}}, logger)

	ctrl, err := callctrl.NewController(callctrl.Config{
		RoomID:        joinFlags.room,
		ParticipantID: participantID,
		DisplayName:   joinFlags.displayName,
		Role:          role,
		Logger:        logger,
		OnStateChange: func(state callctrl.State) {
			fmt.Printf("* call state: %s\n", state)
		},
		OnChat: func(entry callctrl.ChatEntry) {
			fmt.Printf("[%s] %s: %s\n", entry.At.Format("15:04:05"), entry.SenderName, entry.Text)
		},
	}, transport, callctrl.StaticSource{}, factory)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- ctrl.Run(ctx)
	}()

	go chatLoop(ctx, ctrl)

	err = <-runErr
	if err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Printf("* call ended, connected for %s\n", ctrl.CallDuration())
	return nil
}

// chatLoop reads stdin lines: /mute and /unmute toggle media, everything else
// goes out as chat.
func chatLoop(ctx context.Context, ctrl *callctrl.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/mute audio" || line == "/mute video":
			kind := signaling.MediaKind(strings.TrimPrefix(line, "/mute "))
			if err := ctrl.SetMediaEnabled(kind, false); err != nil {
				fmt.Fprintln(os.Stderr, "mute failed:", err)
			}
		case line == "/unmute audio" || line == "/unmute video":
			kind := signaling.MediaKind(strings.TrimPrefix(line, "/unmute "))
			if err := ctrl.SetMediaEnabled(kind, true); err != nil {
				fmt.Fprintln(os.Stderr, "unmute failed:", err)
			}
		case line == "/transcript":
			for _, entry := range ctrl.Transcript().Entries() {
				fmt.Printf("[%s] %s: %s\n", entry.At.Format("15:04:05"), entry.SenderName, entry.Text)
			}
		default:
			if err := ctrl.SendChat(line); err != nil {
				fmt.Fprintln(os.Stderr, "chat failed:", err)
			}
		}
	}
}
