// Package history serves read-side views over persisted messages: the
// chronological transcript of a pair and the ranked conversation list. It is
// pure query logic; persistence lives behind the MessageSource interface.
package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/message"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/room"
)

// MessageSource provides pair-scoped reads over stored messages. The Mongo
// store satisfies it; tests use an in-memory fake.
type MessageSource interface {
	// Between returns all messages exchanged between the two participants in
	// chronological order.
	Between(ctx context.Context, userA, userB string) ([]message.Message, error)
	// Latest returns the most recent message between the two participants,
	// or nil when the pair has no history.
	Latest(ctx context.Context, userA, userB string) (*message.Message, error)
}

// QueryOptions controls filtering and pagination for transcript queries.
type QueryOptions struct {
	// Search keeps only messages whose content contains the term,
	// case-insensitively. Empty means no filtering.
	Search string
	// Limit caps the number of returned messages. Zero means no limit: the
	// whole filtered transcript is returned. Callers serving untrusted
	// clients apply their own caps.
	Limit int
	// Offset skips that many messages from the start of the filtered
	// transcript.
	Offset int
}

// ConversationSummary describes one ranked conversation partner.
type ConversationSummary struct {
	// Peer is the conversation partner's identifier.
	Peer string `json:"peer"`
	// LastMessage is the most recent message exchanged with the peer, nil
	// when the pair has never talked.
	LastMessage *message.Message `json:"last_message,omitempty"`
	// LastActivity is the timestamp of LastMessage, zero when there is none.
	LastActivity time.Time `json:"last_activity"`
}

// Service answers history and ranking queries.
type Service struct {
	source MessageSource
	logger *zap.SugaredLogger
}

// NewService creates a history service over the given message source.
func NewService(source MessageSource, logger *zap.SugaredLogger) *Service {
	return &Service{
		source: source,
		logger: logger.Named("history"),
	}
}

// Query returns the transcript between viewer and peer, oldest first, after
// applying the search filter and pagination. Both identifiers must form a
// valid room pair; querying a pair with no history returns an empty slice.
func (s *Service) Query(ctx context.Context, viewer, peer string, opts QueryOptions) ([]message.Message, error) {
	// Room resolution doubles as identifier validation.
	if _, err := room.Resolve(viewer, peer); err != nil {
		return nil, fmt.Errorf("invalid participant pair: %w", err)
	}

	metrics.HistoryQueries.WithLabelValues("history").Inc()

	messages, err := s.source.Between(ctx, viewer, peer)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, err
	}

	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		messages = lo.Filter(messages, func(m message.Message, _ int) bool {
			return strings.Contains(strings.ToLower(m.Content), needle)
		})
	}

	return paginate(messages, opts.Offset, opts.Limit), nil
}

// Rank returns one summary per candidate peer, ordered by recency of the last
// exchanged message. Peers with no history sort after all peers with history;
// within either group, equal recency falls back to ascending peer identifier.
// The result depends only on the candidate set, not its order. The viewer
// itself and duplicate candidates are dropped.
func (s *Service) Rank(ctx context.Context, viewer string, peers []string) ([]ConversationSummary, error) {
	if viewer == "" {
		return nil, fmt.Errorf("invalid participant pair: %w", room.ErrEmptyIdentifier)
	}

	metrics.HistoryQueries.WithLabelValues("conversations").Inc()

	candidates := lo.Filter(lo.Uniq(peers), func(p string, _ int) bool {
		return p != viewer && p != ""
	})

	summaries := make([]ConversationSummary, 0, len(candidates))
	for _, peer := range candidates {
		last, err := s.source.Latest(ctx, viewer, peer)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return nil, fmt.Errorf("failed to rank conversations: %w", err)
		}

		summary := ConversationSummary{Peer: peer}
		if last != nil {
			summary.LastMessage = last
			summary.LastActivity = last.Timestamp
		}
		summaries = append(summaries, summary)
	}

	// Peers are unique, so (LastActivity, Peer) is a total order and the
	// result is independent of candidate order.
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastActivity.Equal(summaries[j].LastActivity) {
			return summaries[i].LastActivity.After(summaries[j].LastActivity)
		}
		return summaries[i].Peer < summaries[j].Peer
	})

	return summaries, nil
}

// paginate slices messages by offset and limit, returning an empty slice when
// the offset runs past the end. A non-positive limit means unlimited.
func paginate(messages []message.Message, offset, limit int) []message.Message {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(messages) {
		return []message.Message{}
	}

	end := len(messages)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return messages[offset:end]
}
