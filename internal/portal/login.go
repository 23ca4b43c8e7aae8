// Package portal drives the fund registry login: it reads the captcha,
// submits the decoded digits and confirms the fund page opened.
package portal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
)

// DefaultMaxTries bounds login attempts per fund.
const DefaultMaxTries = 7

var ErrLoginFailed = errors.New("login failed")

type State int

const (
	StateNeedCaptcha State = iota
	StateSubmitted
	StateLoggedIn
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNeedCaptcha:
		return "need_captcha"
	case StateSubmitted:
		return "submitted"
	case StateLoggedIn:
		return "logged_in"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Page is the part of the registry login form the state machine drives.
type Page interface {
	CaptchaPNG(ctx context.Context) ([]byte, error)
	RequestNewCaptcha(ctx context.Context) error
	SubmitLogin(ctx context.Context, fundID, code string) error
	// FundVisible reports whether the fund link appeared, i.e. the login
	// was accepted.
	FundVisible(ctx context.Context, fundID string) (bool, error)
}

// messenger is implemented by pages that can show why a login was refused.
type messenger interface {
	LoginError(ctx context.Context) string
}

// Solver turns a captcha screenshot into its digit string. Errors carrying a
// captcha.Kind mean the image was rejected and a new one should be fetched.
type Solver interface {
	Solve(ctx context.Context, png []byte, label string) (string, error)
}

// Attempt records how a login ended.
type Attempt struct {
	State State
	Tries int
	// Code is the last submitted captcha answer.
	Code string
}

type Session struct {
	MaxTries int
	Logger   *zap.Logger
}

// Login runs the state machine with DefaultMaxTries and no logging.
func Login(ctx context.Context, page Page, solver Solver, fundID, label string) (Attempt, error) {
	return (&Session{}).Login(ctx, page, solver, fundID, label)
}

// Login moves from NeedCaptcha through Submitted until the fund shows up
// (LoggedIn) or the tries are spent (Failed). A rejected captcha and a
// refused answer both cost one try. Page errors end the login immediately.
func (s *Session) Login(ctx context.Context, page Page, solver Solver, fundID, label string) (Attempt, error) {
	maxTries := s.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("fund", fundID))

	att := Attempt{State: StateNeedCaptcha}
	fail := func(err error) (Attempt, error) {
		att.State = StateFailed
		return att, err
	}

	for att.Tries < maxTries {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		att.Tries++

		png, err := page.CaptchaPNG(ctx)
		if err != nil {
			return fail(fmt.Errorf("read captcha: %w", err))
		}
		code, err := solver.Solve(ctx, png, label)
		if err != nil {
			if captcha.KindOf(err) == captcha.KindNone {
				return fail(fmt.Errorf("solve captcha: %w", err))
			}
			log.Debug("captcha rejected, requesting another",
				zap.Int("try", att.Tries), zap.Error(err))
			if err := page.RequestNewCaptcha(ctx); err != nil {
				return fail(fmt.Errorf("request new captcha: %w", err))
			}
			continue
		}

		att.Code = code
		if err := page.SubmitLogin(ctx, fundID, code); err != nil {
			return fail(fmt.Errorf("submit login: %w", err))
		}
		att.State = StateSubmitted

		ok, err := page.FundVisible(ctx, fundID)
		if err != nil {
			return fail(fmt.Errorf("check login: %w", err))
		}
		if ok {
			att.State = StateLoggedIn
			log.Info("logged in", zap.Int("tries", att.Tries))
			return att, nil
		}
		fields := []zap.Field{zap.Int("try", att.Tries), zap.String("code", code)}
		if m, ok := page.(messenger); ok {
			fields = append(fields, zap.String("message", m.LoginError(ctx)))
		}
		log.Debug("answer refused", fields...)
		att.State = StateNeedCaptcha
	}

	log.Warn("giving up on login", zap.Int("tries", att.Tries))
	return fail(fmt.Errorf("%w after %d tries", ErrLoginFailed, att.Tries))
}
