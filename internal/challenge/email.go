package challenge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/solver"
)

const (
	loginChallengePath = "login_challenge"
	challengeType      = `input[name="challenge_type"]`
	challengeResponse  = `input[id="challenge_response"]`
	challengeSubmit    = `input[id="email_challenge_submit"]`

	challengeTemporaryPassword = "TemporaryPassword"
	challengeRetypeEmail       = "RetypeEmail"
)

func loginChallenge(ctx context.Context, page browser.Page) string {
	if !strings.Contains(page.URL(), loginChallengePath) || !page.Has(ctx, challengeType) {
		return ""
	}
	v, err := page.Attribute(ctx, challengeType, "value")
	if err != nil {
		return ""
	}
	return v
}

func answerChallenge(ctx context.Context, page browser.Page, answer string) error {
	if err := page.Type(ctx, challengeResponse, answer); err != nil {
		return err
	}
	if page.Has(ctx, challengeSubmit) {
		return page.ClickAndWait(ctx, challengeSubmit)
	}
	return nil
}

// EmailCode answers a login challenge with the code the site mailed to the
// account address.
type EmailCode struct {
	solver Solver[solver.MailQuery]
	query  solver.MailQuery
	logger *slog.Logger
}

// NewEmailCode creates the resolver; query selects the verification mail.
func NewEmailCode(s Solver[solver.MailQuery], query solver.MailQuery, logger *slog.Logger) *EmailCode {
	return &EmailCode{solver: s, query: query, logger: logger}
}

// Name implements Resolver.
func (r *EmailCode) Name() string { return "email_code" }

// Resolve implements Resolver.
func (r *EmailCode) Resolve(ctx context.Context, page browser.Page) (bool, error) {
	if loginChallenge(ctx, page) != challengeTemporaryPassword {
		return false, nil
	}

	session, err := r.solver.Solve(ctx, r.query)
	if err != nil {
		return false, solverError("wait for e-mail code", err)
	}
	r.logger.Info("E-mail verification code received", slog.Int("ticks", session.Ticks))

	if err := answerChallenge(ctx, page, session.Token); err != nil {
		return false, err
	}
	return true, nil
}

// RetypeEmail answers the "confirm your e-mail address" login challenge.
type RetypeEmail struct {
	email string
}

// NewRetypeEmail creates the resolver.
func NewRetypeEmail(email string) *RetypeEmail {
	return &RetypeEmail{email: email}
}

// Name implements Resolver.
func (r *RetypeEmail) Name() string { return "retype_email" }

// Resolve implements Resolver.
func (r *RetypeEmail) Resolve(ctx context.Context, page browser.Page) (bool, error) {
	if r.email == "" || loginChallenge(ctx, page) != challengeRetypeEmail {
		return false, nil
	}
	if err := answerChallenge(ctx, page, r.email); err != nil {
		return false, err
	}
	return true, nil
}
