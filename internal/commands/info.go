package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qwer2003tw/unigate/internal/observability"
)

// Deployment describes the running service for /info.
type Deployment struct {
	Name        string
	Status      string
	Region      string
	LastUpdated time.Time
}

// DeploymentSource reports deployment metadata.
type DeploymentSource interface {
	Describe(ctx context.Context) (*Deployment, error)
}

var (
	// ErrDeploymentAccessDenied maps to a friendly "insufficient
	// permissions" reply instead of a raw API error.
	ErrDeploymentAccessDenied = errors.New("deployment info access denied")
	ErrDeploymentNotFound     = errors.New("deployment not found")
)

// StaticDeployment serves a fixed descriptor, stamped at process start.
type StaticDeployment struct {
	Deployment Deployment
}

func (s *StaticDeployment) Describe(ctx context.Context) (*Deployment, error) {
	d := s.Deployment
	return &d, nil
}

// InfoHandler renders the deployment descriptor for /info.
type InfoHandler struct {
	source    DeploymentSource
	responder Responder
	log       *observability.Logger
}

func NewInfoHandler(source DeploymentSource, responder Responder, log *observability.Logger) *InfoHandler {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &InfoHandler{source: source, responder: responder, log: log}
}

func (h *InfoHandler) Name() string { return "info" }

func (h *InfoHandler) CanHandle(text string) bool { return matchesCommand(text, "/info") }

func (h *InfoHandler) Handle(ctx context.Context, req *Request) (bool, error) {
	reply := h.render(ctx)
	if err := h.responder.Send(ctx, req.ChatID, reply); err != nil {
		return false, fmt.Errorf("send info: %w", err)
	}
	return true, nil
}

func (h *InfoHandler) render(ctx context.Context) string {
	info, err := h.source.Describe(ctx)
	if err != nil {
		h.log.Error(ctx, "deployment describe failed", "error", err)
		switch {
		case errors.Is(err, ErrDeploymentAccessDenied):
			return infoError("Insufficient permissions to query deployment info")
		case errors.Is(err, ErrDeploymentNotFound):
			return infoError("Deployment not found")
		default:
			return infoError("Could not fetch system info, please try again later")
		}
	}

	updated := "Unknown"
	if !info.LastUpdated.IsZero() {
		updated = info.LastUpdated.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	lines := []string{
		"📊 System info",
		"",
		"🚀 Last deployed: " + updated,
		"📦 Name: " + info.Name,
		"🌍 Region: " + info.Region,
		"✅ Status: " + info.Status,
	}
	return strings.Join(lines, "\n")
}

func infoError(reason string) string {
	return "❌ Could not fetch deployment info\n\n" + reason
}
