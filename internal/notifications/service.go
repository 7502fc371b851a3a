package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"discburner/internal/config"
)

const (
	userAgent   = "discburner/1.0"
	defaultNtfy = "https://ntfy.sh/"
)

// Event identifies a notification type.
type Event string

const (
	EventJobCompleted   Event = "job_completed"
	EventJobFailed      Event = "job_failed"
	EventJobsDiscovered Event = "jobs_discovered"
	EventError          Event = "error"
	EventTest           Event = "test"
)

// Payload carries event fields. Keys per event:
//   - job_completed: "job" (display name), "source_id"
//   - job_failed: "job", "source_id", "error"
//   - jobs_discovered: "count"
//   - error: "context", "error"
type Payload map[string]any

// Service publishes notifications.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// A bare topic name is published to ntfy.sh.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		topic = defaultNtfy + strings.TrimPrefix(topic, "/")
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		completed: cfg.Notifications.Completed,
		failed:    cfg.Notifications.Failed,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	completed bool
	failed    bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventJobCompleted:
		if !n.completed {
			return message{}, false
		}
		return message{
			title: "Discburner - Burn Complete",
			body:  fmt.Sprintf("💿 Burned: %s", payload.text("job")),
			tags:  []string{"discburner", "burn", "completed"},
		}, true
	case EventJobFailed:
		if !n.failed {
			return message{}, false
		}
		body := fmt.Sprintf("❌ Burn failed: %s", payload.text("job"))
		if reason := payload.text("error"); reason != "" {
			body += "\n" + reason
		}
		return message{
			title:    "Discburner - Burn Failed",
			body:     body,
			tags:     []string{"discburner", "burn", "failed"},
			priority: "high",
		}, true
	case EventJobsDiscovered:
		return message{
			title: "Discburner - New Images",
			body:  fmt.Sprintf("📥 %s new image(s) queued for burning", payload.text("count")),
			tags:  []string{"discburner", "catalog", "queued"},
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := payload.text("context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if reason := payload.text("error"); reason != "" {
			builder.WriteString(reason)
		} else {
			builder.WriteString("unknown")
		}
		return message{
			title:    "Discburner - Error",
			body:     builder.String(),
			tags:     []string{"discburner", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Discburner - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"discburner", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
