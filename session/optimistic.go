package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

// SendMessage inserts a local placeholder immediately, then runs the send.
// The placeholder is reconciled against the server echo (from the send
// response or the push stream) by the fuzzy matcher; on failure it is
// removed again and the error returned, so the caller can restore the
// draft. Returns the entry's current ID: the server ID when the send
// response confirmed it inline, otherwise the local placeholder ID.
func (s *Session) SendMessage(ctx context.Context, text string, attachment *timeline.Attachment) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return "", fmt.Errorf("message text or attachment is required")
	}
	if s.validator != nil && text != "" {
		if err := s.validator(ctx, text); err != nil {
			return "", fmt.Errorf("message rejected: %w", err)
		}
	}

	localID := "local-" + uuid.NewString()
	entry := timeline.Entry{
		ID:          localID,
		Kind:        timeline.KindMessage,
		Text:        text,
		Attachment:  attachment,
		Sender:      s.user,
		CreatedAt:   s.now(),
		Direction:   timeline.DirectionSent,
		Unconfirmed: true,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.store.InsertOrReconcile(entry)
	s.trackRecentLocked(entry)
	s.unlockAndNotify()

	echo, err := s.transmit(ctx, text, attachment)
	if err != nil {
		s.mu.Lock()
		s.store.Remove(localID)
		s.untrackRecentLocked(entry)
		s.unlockAndNotify()
		s.log.Warn("optimistic_send_rolled_back", "entry_id", localID, "error", err.Error())
		return "", fmt.Errorf("send message: %w", err)
	}

	if echo.ID == "" {
		// Sent over the push channel; the echo will arrive as an event
		// and the matcher will promote the placeholder then.
		return localID, nil
	}

	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.closed {
		return localID, nil
	}
	serverID := echo.ID.String()
	s.store.Confirm(localID, serverID, wire.ParseTime(echo.CreatedAt, time.Time{}))
	return serverID, nil
}

// transmit picks the transport: plain text rides the push channel when
// one is attached, attachments always go over REST (the channel carries
// no binary payloads).
func (s *Session) transmit(ctx context.Context, text string, attachment *timeline.Attachment) (wire.RawRecord, error) {
	if attachment == nil && s.channel != nil {
		return wire.RawRecord{}, s.channel.SendChat(s.conversationID, text)
	}
	var raw *wire.RawAttachment
	if attachment != nil {
		raw = &wire.RawAttachment{
			Name: attachment.Name,
			Size: attachment.Size,
			Type: attachment.MIME,
			URL:  attachment.URL,
		}
	}
	return s.api.SendMessage(ctx, s.conversationID, text, raw)
}

// trackRecentLocked records a local send so the resolver's timing
// heuristic and the fuzzy matcher can recognize its echo. Entries expire
// from the tracker on their own.
func (s *Session) trackRecentLocked(e timeline.Entry) {
	s.recent.Set(recentKey(e), e.CreatedAt, s.recentTTL)
}

func (s *Session) untrackRecentLocked(e timeline.Entry) {
	s.recent.Delete(recentKey(e))
}

func recentKey(e timeline.Entry) string {
	if e.Attachment != nil {
		return "attachment:" + e.Attachment.Signature()
	}
	return "text:" + strings.ToLower(strings.TrimSpace(e.Text))
}
