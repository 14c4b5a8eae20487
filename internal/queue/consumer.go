package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/civic-issue-reporting/internal/config"
)

// AuditConsumer binds a durable queue to every issue event and appends one
// line per event to a log file.
type AuditConsumer struct {
	cfg config.QueueConfig
	log *slog.Logger
}

func NewAuditConsumer(cfg config.QueueConfig, log *slog.Logger) *AuditConsumer {
	return &AuditConsumer{cfg: cfg, log: log}
}

// Run connects to RabbitMQ and consumes until ctx is cancelled. Broker
// failures are logged and retried with exponential backoff capped at 30s.
func (a *AuditConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := dialBroker(a.cfg.URL, a.cfg.DialTimeout)
		if err != nil {
			a.log.Warn("audit-consumer: failed to dial broker", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = a.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("audit-consumer: consume loop ended; reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (a *AuditConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		a.log.Warn("audit-consumer: set QoS failed", "error", err)
	}
	if err := declareExchange(ch, a.cfg.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(a.cfg.AuditQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(a.cfg.AuditQueue, "issue.#", a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}

	msgs, err := ch.Consume(a.cfg.AuditQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := a.handleMessage(d.Body); err != nil {
				a.log.Error("audit-consumer: handle message failed", "error", err)
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *AuditConsumer) handleMessage(body []byte) error {
	var ev IssueEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" || ev.IssueID == 0 {
		return fmt.Errorf("incomplete event: %q", body)
	}
	return appendLine(a.cfg.AuditLogPath, FormatAuditLine(ev))
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatAuditLine renders ev as a single human-friendly line.
func FormatAuditLine(ev IssueEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s | issue_id=%d | actor=%d(%s) | reporter=%d",
		ev.OccurredAt, ev.Type, ev.IssueID, ev.ActorID, ev.ActorRole, ev.ReporterID)
	if ev.ImageID != 0 {
		fmt.Fprintf(&b, " | image_id=%d", ev.ImageID)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, " | status=%s", ev.Status)
	}
	if ev.Priority != "" {
		fmt.Fprintf(&b, " | priority=%s", ev.Priority)
	}
	if len(ev.Fields) > 0 {
		fmt.Fprintf(&b, " | fields=[%s]", strings.Join(ev.Fields, ","))
	}
	b.WriteByte('\n')
	return b.String()
}
