// Package notifications sends optional operational alerts via ntfy: worker
// failures, dead-lettered messages, research completions, and daemon
// lifecycle. The product notification channel remains the email outbox; this
// is for the operator. When no topic is configured a noop implementation is
// returned.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"earshot/internal/config"
)

const userAgent = "earshot/0.1"

// Service is the alert surface exposed to the daemon and workers.
type Service interface {
	NotifyAnalysisFailed(ctx context.Context, symbol string, cause error) error
	NotifyDeadLetter(ctx context.Context, queueName string, messageID int64) error
	NotifyResearchComplete(ctx context.Context, groupName, period string) error
	NotifyLifecycle(ctx context.Context, event string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		cfg:      cfg.Notifications,
		client:   &http.Client{Timeout: timeout},
	}
}

type ntfyService struct {
	endpoint string
	cfg      config.Notifications
	client   *http.Client
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

func (s *ntfyService) NotifyAnalysisFailed(ctx context.Context, symbol string, cause error) error {
	if !s.cfg.Failures {
		return nil
	}
	return s.publish(ctx, payload{
		title:    "Analysis failed",
		message:  fmt.Sprintf("%s: %v", symbol, cause),
		tags:     []string{"x", "chart_with_downwards_trend"},
		priority: "high",
	})
}

func (s *ntfyService) NotifyDeadLetter(ctx context.Context, queueName string, messageID int64) error {
	if !s.cfg.Failures {
		return nil
	}
	return s.publish(ctx, payload{
		title:    "Message dead-lettered",
		message:  fmt.Sprintf("queue %s message %d exhausted its attempts", queueName, messageID),
		tags:     []string{"warning"},
		priority: "high",
	})
}

func (s *ntfyService) NotifyResearchComplete(ctx context.Context, groupName, period string) error {
	if !s.cfg.Research {
		return nil
	}
	return s.publish(ctx, payload{
		title:   "Group research ready",
		message: fmt.Sprintf("%s - %s", groupName, period),
		tags:    []string{"newspaper"},
	})
}

func (s *ntfyService) NotifyLifecycle(ctx context.Context, event string) error {
	if !s.cfg.Lifecycle {
		return nil
	}
	return s.publish(ctx, payload{
		title:   "earshot",
		message: event,
		tags:    []string{"gear"},
	})
}

func (s *ntfyService) TestNotification(ctx context.Context) error {
	return s.publish(ctx, payload{
		title:   "earshot test",
		message: "Notifications are configured correctly.",
		tags:    []string{"white_check_mark"},
	})
}

func (s *ntfyService) publish(ctx context.Context, p payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(p.message))
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if p.title != "" {
		req.Header.Set("Title", p.title)
	}
	if len(p.tags) > 0 {
		req.Header.Set("Tags", strings.Join(p.tags, ","))
	}
	if p.priority != "" {
		req.Header.Set("Priority", p.priority)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification rejected: http %d", resp.StatusCode)
	}
	return nil
}

type noopService struct{}

func (noopService) NotifyAnalysisFailed(context.Context, string, error) error    { return nil }
func (noopService) NotifyDeadLetter(context.Context, string, int64) error        { return nil }
func (noopService) NotifyResearchComplete(context.Context, string, string) error { return nil }
func (noopService) NotifyLifecycle(context.Context, string) error                { return nil }
func (noopService) TestNotification(context.Context) error                       { return nil }
