// Package collab declares the external capabilities the pipeline stages
// drive: the browser driver, its session validator, the post scraper and
// the message generator. Retry policy belongs to the stages, not here.
package collab

//go:generate mockgen -destination=mocks/mocks.go -package=mocks . InviteDriver,DriverSession,SessionValidator,MessageGenerator,PostScraper

import (
	"context"
	"errors"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
)

// ErrSessionExpired is returned by a validator or driver when the account's
// session can no longer be used. It is not retried.
var ErrSessionExpired = errors.New("session expired")

type InviteOutcome string

const (
	OutcomeSent             InviteOutcome = "sent"
	OutcomeAlreadyConnected InviteOutcome = "already-connected"
	OutcomeAlreadyPending   InviteOutcome = "already-pending"
	OutcomeFailed           InviteOutcome = "failed"
)

// InviteDriver opens a browser session for an account. The session is a
// single-writer resource and must be closed on every exit path.
type InviteDriver interface {
	Open(ctx context.Context, account campaign.AccountSession) (DriverSession, error)
}

type DriverSession interface {
	SendInvite(ctx context.Context, profileURL, note string) (InviteOutcome, error)
	// Connections lists the profile URLs of the account's first-degree connections.
	Connections(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

type SessionValidator interface {
	Validate(ctx context.Context, account campaign.AccountSession) error
}

type MessageRequest struct {
	Lead  campaign.Lead
	Posts []campaign.Post
	// Instructions is optional operator guidance for tone or topic.
	Instructions string
}

type GeneratedMessage struct {
	Content   string
	Model     string
	PromptTag string
}

type MessageGenerator interface {
	Generate(ctx context.Context, req MessageRequest) (GeneratedMessage, error)
}

type PostScraper interface {
	// RecentPosts returns posts without ids; LeadID and OwnerID are left zero.
	RecentPosts(ctx context.Context, profileURL string) ([]campaign.Post, error)
}
