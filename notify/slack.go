package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/imgquorum/quorum/verdict"
)

// Something which wants to hear about review items needing urgent attention.
type Notifier interface {
	NotifyReview(ctx context.Context, n ReviewNotice) error
}

type ReviewNotice struct {
	ImageID    string
	ReviewID   string
	Priority   verdict.Priority
	AssignedTo string
	TopLabel   string
	Action     string
	Reasons    []string
}

type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

var _ Notifier = (*SlackNotifier)(nil)

func (n *SlackNotifier) NotifyReview(ctx context.Context, notice ReviewNotice) error {
	return n.sendSlackMsg(ctx, slackBody(notice))
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

func slackBody(n ReviewNotice) string {
	msg := fmt.Sprintf("⚠️ Image Review: %s priority ⚠️\n", n.Priority)
	msg += fmt.Sprintf("image `%s` / review `%s`\n", n.ImageID, n.ReviewID)
	if n.AssignedTo != "" {
		msg += fmt.Sprintf("Assigned: `%s`\n", n.AssignedTo)
	}
	if n.TopLabel != "" {
		msg += fmt.Sprintf("Top label: `%s` (%s)\n", n.TopLabel, n.Action)
	}
	if len(n.Reasons) > 0 {
		msg += fmt.Sprintf("Reasons: %s\n", strings.Join(n.Reasons, "; "))
	}
	return msg
}
