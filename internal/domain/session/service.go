package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slog"
)

type Servicer interface {
	Restore(ctx context.Context) (*Session, error)
	Login(ctx context.Context, sess *Session, token string) error
	Logout(ctx context.Context, sess *Session) error
}

type Service struct {
	repo Repository
	log  *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With("component", "session_service"),
	}
}

// Restore builds a session from the stored token. A missing token yields a
// paused session so that nothing is dispatched before login.
func (s *Service) Restore(ctx context.Context) (*Session, error) {
	token, err := s.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			sess := New("")
			sess.Pause(ErrNoToken.Error())
			return sess, nil
		}
		return nil, fmt.Errorf("load token: %w", err)
	}

	return New(token), nil
}

// Login stores token and resumes a paused outbound queue.
func (s *Service) Login(ctx context.Context, sess *Session, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}

	if err := s.repo.Save(ctx, token); err != nil {
		s.log.Error("failed to save token", "error", err)
		return fmt.Errorf("save token: %w", err)
	}

	sess.SetToken(token)
	sess.Resume()
	s.log.Info("session authenticated")

	return nil
}

func (s *Service) Logout(ctx context.Context, sess *Session) error {
	if err := s.repo.Clear(ctx); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	sess.SetToken("")
	sess.Pause("logged out")

	return nil
}
