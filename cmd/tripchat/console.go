package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Nardo758/Traveloure-Platform-sub001/channel"
	"github.com/Nardo758/Traveloure-Platform-sub001/internal/chatapi"
	"github.com/Nardo758/Traveloure-Platform-sub001/session"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Join a conversation and interact with its live timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), cmd)
		},
	}

	cmd.Flags().String("conversation", "", "Conversation ID to join (required).")
	cmd.Flags().String("user-id", "", "Local user ID.")
	cmd.Flags().String("username", "", "Local username.")
	cmd.Flags().String("api-base-url", "", "REST API base URL.")
	cmd.Flags().String("api-token", "", "Bearer token for the REST API and push channel.")
	cmd.Flags().String("channel-url", "", "Push channel websocket URL (empty disables the channel).")
	_ = viper.BindPFlag("console.conversation", cmd.Flags().Lookup("conversation"))
	_ = viper.BindPFlag("console.user_id", cmd.Flags().Lookup("user-id"))
	_ = viper.BindPFlag("console.username", cmd.Flags().Lookup("username"))
	_ = viper.BindPFlag("api.base_url", cmd.Flags().Lookup("api-base-url"))
	_ = viper.BindPFlag("api.token", cmd.Flags().Lookup("api-token"))
	_ = viper.BindPFlag("channel.url", cmd.Flags().Lookup("channel-url"))

	return cmd
}

func runConsole(ctx context.Context, cmd *cobra.Command) error {
	conversationID := strings.TrimSpace(viper.GetString("console.conversation"))
	if conversationID == "" {
		return fmt.Errorf("--conversation is required")
	}
	logger := newLogger()
	out := cmd.OutOrStdout()

	api := chatapi.New(nil, viper.GetString("api.base_url"), viper.GetString("api.token"))

	var push session.PushChannel
	if url := strings.TrimSpace(viper.GetString("channel.url")); url != "" {
		adapter, err := channel.New(channel.Options{
			URL:    url,
			Token:  viper.GetString("api.token"),
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := adapter.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = adapter.Close() }()
		push = adapter
	}

	sess, err := session.New(session.Options{
		ConversationID: conversationID,
		User: timeline.SenderRef{
			ID:       strings.TrimSpace(viper.GetString("console.user_id")),
			Username: strings.TrimSpace(viper.GetString("console.username")),
		},
		API:             api,
		Channel:         push,
		Logger:          logger,
		MatchWindow:     viper.GetDuration("session.match_window"),
		RecentTTL:       viper.GetDuration("session.recent_ttl"),
		RefetchDelay:    viper.GetDuration("session.refetch_delay"),
		RefetchAttempts: viper.GetInt("session.refetch_attempts"),
		OnTimelineChanged: func(_ string, snapshot []timeline.Entry) {
			printTimeline(out, snapshot)
		},
		OnContractAdvanced: func(contractID string, status timeline.ContractStatus, paymentURL string) {
			fmt.Fprintf(out, "-- contract %s is now %s", contractID, status)
			if paymentURL != "" {
				fmt.Fprintf(out, " (pay: %s)", paymentURL)
			}
			fmt.Fprintln(out)
		},
		OnItineraryApproved: func(itineraryID string) {
			fmt.Fprintf(out, "-- itinerary %s approved\n", itineraryID)
		},
	})
	if err != nil {
		return err
	}

	if err := sess.Open(ctx); err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintln(out, "Type a message and press enter. Commands: /accept <contract>, /reject <contract>, /pay <contract>, /approve <itinerary>, /edit <itinerary>, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runConsoleLine(ctx, sess, line); err != nil {
			if err == errConsoleQuit {
				return nil
			}
			fmt.Fprintf(out, "!! %v\n", err)
		}
	}
	return scanner.Err()
}

var errConsoleQuit = fmt.Errorf("quit")

func runConsoleLine(ctx context.Context, sess *session.Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := sess.SendMessage(ctx, line, nil)
		return err
	}
	fields := strings.Fields(line)
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch cmd {
	case "/quit":
		return errConsoleQuit
	case "/accept":
		return sess.AcceptContract(ctx, arg)
	case "/reject":
		return sess.RejectContract(ctx, arg)
	case "/approve":
		return sess.ApproveItinerary(ctx, arg)
	case "/edit":
		return sess.RequestItineraryEdit(ctx, arg)
	case "/pay":
		url, err := sess.PaymentURL(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Println("pay at: " + url)
		return nil
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func printTimeline(out io.Writer, entries []timeline.Entry) {
	for _, e := range entries {
		marker := "<-"
		if e.Direction == timeline.DirectionSent {
			marker = "->"
		}
		ts := e.CreatedAt.Format(time.Kitchen)
		switch {
		case e.Contract != nil:
			fmt.Fprintf(out, "%s %s [contract %s] %s (%s, %s)\n", ts, marker, e.Contract.ID, e.Contract.Title, e.Contract.Amount, e.Contract.Status)
		case e.Itinerary != nil:
			fmt.Fprintf(out, "%s %s [itinerary %s] %s (%s)\n", ts, marker, e.Itinerary.ID, e.Itinerary.Title, e.Itinerary.Status)
		default:
			suffix := ""
			if e.Unconfirmed {
				suffix = " (sending)"
			}
			fmt.Fprintf(out, "%s %s %s%s\n", ts, marker, e.Text, suffix)
		}
	}
}
