package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"leadflow/crm/internal/config"
	"leadflow/crm/internal/logger"
)

// TemplateHeader names the email template a message was rendered from.
const TemplateHeader = "X-LeadFlow-Template"

// MockEmailTTL is how long test-mode emails stay readable in Redis.
const MockEmailTTL = 5 * time.Minute

// MockEmailKey is where RedisSender stores the last email of a kind sent to an address.
func MockEmailKey(to, kind string) string {
	return fmt.Sprintf("mockemail:%s:%s", to, kind)
}

// RedisSender stores emails in Redis instead of sending them, so end-to-end
// tests can read them back through the service API.
type RedisSender struct {
	client *redis.Client
	cfg    *config.Config
}

// NewRedisSender creates a new RedisSender
func NewRedisSender(client *redis.Client, cfg *config.Config) Sender {
	return &RedisSender{
		client: client,
		cfg:    cfg,
	}
}

func (s *RedisSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	kind := "unknown"
	if msg, err := mail.ReadMessage(bytes.NewReader(rawMessage)); err == nil {
		if v := msg.Header.Get(TemplateHeader); v != "" {
			kind = v
		}
	}

	primaryTo := ""
	if len(to) > 0 {
		primaryTo = to[0]
	}

	jsonData, err := json.Marshal(map[string]interface{}{
		"to":       strings.Join(to, ", "),
		"from":     s.cfg.SmtpFromAddress,
		"subject":  subject,
		"body":     string(rawMessage),
		"sent_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"template": kind,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}

	key := MockEmailKey(primaryTo, kind)
	if err := s.client.Set(ctx, key, jsonData, MockEmailTTL).Err(); err != nil {
		return fmt.Errorf("failed to store email in Redis key '%s': %w", key, err)
	}

	log := logger.WithComponent("email")
	log.Debug().Str("key", key).Str("subject", subject).Msg("mock email stored in Redis")
	return nil
}
