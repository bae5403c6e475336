package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

// newReplayCmd feeds a captured push-frame log (JSONL, one frame per
// line) through the reconciliation pipeline and prints the resulting
// timeline. Useful for debugging dedup and ordering behavior offline.
func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <frames.jsonl>",
		Short: "Reconcile a captured event log and print the timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0])
		},
	}
	cmd.Flags().String("user-id", "", "Local user ID for direction resolution.")
	cmd.Flags().String("username", "", "Local username for direction resolution.")
	_ = viper.BindPFlag("replay.user_id", cmd.Flags().Lookup("user-id"))
	_ = viper.BindPFlag("replay.username", cmd.Flags().Lookup("username"))
	return cmd
}

func runReplay(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	resolver := timeline.NewResolver(timeline.ResolverOptions{
		User: timeline.SenderRef{
			ID:       strings.TrimSpace(viper.GetString("replay.user_id")),
			Username: strings.TrimSpace(viper.GetString("replay.username")),
		},
		Window: viper.GetDuration("session.match_window"),
	})
	store := timeline.NewStore(timeline.StoreOptions{
		Resolver: resolver,
		Matcher:  timeline.NewMatcher(timeline.MatcherOptions{Window: viper.GetDuration("session.match_window")}),
	})

	logger := newLogger()
	lines := 0
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++
		ev, err := wire.DecodeFrame([]byte(line), time.Now())
		if err != nil {
			skipped++
			logger.Debug("replay_frame_skipped", "line", lines, "error", err.Error())
			continue
		}
		applyReplayEvent(store, ev)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	printTimeline(cmd.OutOrStdout(), store.Snapshot())
	fmt.Fprintf(cmd.OutOrStdout(), "%d frames, %d skipped, %d entries\n", lines, skipped, store.Len())
	return nil
}

func applyReplayEvent(store *timeline.Store, ev wire.Event) {
	switch ev.Kind {
	case wire.EventMessage, wire.EventContractNew, wire.EventItineraryNew:
		if ev.Entry != nil {
			store.InsertOrReconcile(*ev.Entry)
		}
	case wire.EventContractStatus:
		store.UpdateContract(ev.ContractID, timeline.ContractUpdate{
			Status:        ev.ContractStatus,
			PaymentURL:    ev.PaymentURL,
			Authoritative: ev.Authoritative,
		})
	case wire.EventItineraryStatus:
		store.UpdateItinerary(ev.ItineraryID, timeline.ItineraryUpdate{
			Status:        ev.ItineraryStatus,
			Authoritative: ev.Authoritative,
		})
	}
}
