package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/ports"
)

type Notifier struct {
	BaseURL    string
	Network    string
	HTTPClient *http.Client
}

func NewNotifier(baseURL, network string) ports.NotifierPort {
	return &Notifier{
		BaseURL:    baseURL,
		Network:    network,
		HTTPClient: &http.Client{Timeout: 3 * time.Second},
	}
}

type Priority string

const (
	Low      Priority = "low"
	Medium   Priority = "medium"
	High     Priority = "high"
	Critical Priority = "critical"
	Info     Priority = "info"
)

type Status string

const (
	Triggered Status = "triggered"
	Resolved  Status = "resolved"
)

type NotificationPayload struct {
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Status   *Status   `json:"status,omitempty"`
	Priority *Priority `json:"priority,omitempty"`
	IsBanner *bool     `json:"isBanner,omitempty"`
}

func (n *Notifier) sendNotification(payload NotificationPayload) error {
	url := fmt.Sprintf("%s/api/v1/notifications", n.BaseURL)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed with status: %s", resp.Status)
	}
	return nil
}

// SendValidatorStartedNot reports a successful validator client launch.
func (n *Notifier) SendValidatorStartedNot(pid int) error {
	priority := Info
	status := Resolved
	return n.sendNotification(NotificationPayload{
		Title:    "Validator Client Started",
		Body:     fmt.Sprintf("Validator client is running on %s (pid %d).", n.Network, pid),
		Priority: &priority,
		Status:   &status,
	})
}

// SendValidatorCrashedNot reports a validator client crash. Terminal
// crashes (retry ceiling reached) are escalated to critical.
func (n *Notifier) SendValidatorCrashedNot(exitCode int, attempts int, terminal bool) error {
	priority := High
	status := Triggered
	title := "Validator Client Crashed"
	body := fmt.Sprintf("Validator client on %s exited with code %d (attempt %d). A restart is scheduled.", n.Network, exitCode, attempts)
	if terminal {
		priority = Critical
		title = "Validator Client Down"
		body = fmt.Sprintf("Validator client on %s exited with code %d and the retry ceiling (%d attempts) is reached. Manual restart required.", n.Network, exitCode, attempts)
	}
	isBanner := terminal
	return n.sendNotification(NotificationPayload{
		Title:    title,
		Body:     body,
		Priority: &priority,
		Status:   &status,
		IsBanner: &isBanner,
	})
}
