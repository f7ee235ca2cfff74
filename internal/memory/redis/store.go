package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/leadnova/leadnova/internal/memory"
)

const (
	keyPrefix         = "session_memory:"
	DefaultSessionTTL = 24 * time.Hour
	defaultMaxEntries = 200
)

type Options struct {
	TTL        time.Duration
	MaxEntries int
	Logger     *slog.Logger
}

// Store keeps each session as a Redis list of JSON-encoded turns.
type Store struct {
	client     goredis.UniversalClient
	ttl        time.Duration
	maxEntries int64
	logger     *slog.Logger
}

var _ memory.SessionStore = (*Store)(nil)

func New(client goredis.UniversalClient, opts Options) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		client:     client,
		ttl:        opts.TTL,
		maxEntries: int64(opts.MaxEntries),
		logger:     opts.Logger,
	}, nil
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]memory.ConversationTurn, error) {
	key, err := sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []memory.ConversationTurn{}, nil
	}

	raw, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	turns := make([]memory.ConversationTurn, 0, len(raw))
	for _, item := range raw {
		var turn memory.ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil || !turn.Role.Valid() {
			s.logger.WarnContext(ctx, "skipping malformed history item",
				slog.String("session_id", sessionID),
				slog.Int("bytes", len(item)),
			)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *Store) Append(ctx context.Context, sessionID, userMessage, assistantMessage string) error {
	key, err := sessionKey(sessionID)
	if err != nil {
		return err
	}
	userJSON, err := json.Marshal(memory.ConversationTurn{Role: memory.RoleUser, Content: userMessage})
	if err != nil {
		return fmt.Errorf("encode user turn: %w", err)
	}
	assistantJSON, err := json.Marshal(memory.ConversationTurn{Role: memory.RoleAssistant, Content: assistantMessage})
	if err != nil {
		return fmt.Errorf("encode assistant turn: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, userJSON, assistantJSON)
		pipe.LTrim(ctx, key, -s.maxEntries, -1)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append session history: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func sessionKey(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	return keyPrefix + sessionID, nil
}
