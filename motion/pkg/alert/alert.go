// Package alert posts operator-facing notifications to Slack for the
// conditions spec §7 calls out as needing attention beyond a log line:
// SYNC_SUSPECTED_RESET, DATA_CORRUPTION, and RECORDING_OVERRUN.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/snormore/slackmd"

	"github.com/tropx/motioncore/motion/pkg/apperr"
)

// Notifier posts a formatted message for a coded error. A Notifier built
// with an empty webhook URL only logs alertable errors, for local/dev runs.
// Its methods are not nil-safe: callers hold a non-nil *Notifier.
type Notifier struct {
	log        *slog.Logger
	webhookURL string
}

// New constructs a Notifier. webhookURL may be empty, in which case Notify
// logs and returns immediately without attempting any network call.
func New(log *slog.Logger, webhookURL string) (*Notifier, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Notifier{log: log, webhookURL: webhookURL}, nil
}

// alertableCodes is the subset of the error taxonomy that warrants a Slack
// post rather than a log line alone (spec §7).
var alertableCodes = map[apperr.Code]string{
	apperr.SyncSuspectedReset: ":warning:",
	apperr.DataCorruption:     ":rotating_light:",
	apperr.RecordingOverrun:   ":rotating_light:",
}

// ShouldAlert reports whether code warrants a Slack post.
func ShouldAlert(code apperr.Code) bool {
	_, ok := alertableCodes[code]
	return ok
}

// Notify posts a message for err if its code is alertable. Errors posting
// to Slack are logged, never returned: alerting must never be a new point
// of failure for the component that raised the original error.
func (n *Notifier) Notify(ctx context.Context, err error) {
	code := apperr.CodeOf(err)
	icon, ok := alertableCodes[code]
	if !ok {
		return
	}
	n.log.Warn("alertable condition", "code", code, "err", err)
	if n.webhookURL == "" {
		return
	}

	body := fmt.Sprintf("%s *%s*\n%s", icon, code, err.Error())
	msg := &slack.WebhookMessage{Text: slackmd.Convert(body)}
	if postErr := slack.PostWebhookContext(ctx, n.webhookURL, msg); postErr != nil {
		n.log.Error("slack webhook post failed", "code", code, "err", postErr)
	}
}
