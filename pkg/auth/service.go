// Package auth registers users, logs them in and guards the API with bearer tokens.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"grape/models"
	"grape/pkg/registry"
	"grape/utils"
)

var errBadCredentials = errors.New("invalid email or password")

type Service struct {
	users  registry.Users
	tokens *TokenIssuer
	cost   int
	log    *logrus.Logger

	// compared against when the email is unknown so both paths cost a bcrypt round
	decoy string
}

func NewService(users registry.Users, tokens *TokenIssuer, bcryptCost int, logger *logrus.Logger) (*Service, error) {
	decoy, err := utils.HashPassword(uuid.NewString(), bcryptCost)
	if err != nil {
		return nil, err
	}

	return &Service{
		users:  users,
		tokens: tokens,
		cost:   bcryptCost,
		log:    logger,
		decoy:  decoy,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, dto models.RegisterDTO) (*models.Session, error) {
	const op = "auth.Register"

	hash, err := utils.HashPassword(dto.Password, s.cost)
	if err != nil {
		return nil, models.E(models.KindValidation, op, err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(dto.Email),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"owner_id":   user.ID,
		"request_id": utils.RequestIDFrom(ctx),
	}).Info("user registered")
	return s.session(user.Owner())
}

func (s *Service) Login(ctx context.Context, dto models.LoginDTO) (*models.Session, error) {
	const op = "auth.Login"

	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(dto.Email))
	if models.IsNotFound(err) {
		_ = utils.ComparePassword(s.decoy, dto.Password)
		return nil, models.E(models.KindUnauthorized, op, errBadCredentials)
	}
	if err != nil {
		return nil, err
	}

	if err := utils.ComparePassword(user.PasswordHash, dto.Password); err != nil {
		if errors.Is(err, utils.ErrPasswordMismatch) {
			return nil, models.E(models.KindUnauthorized, op, errBadCredentials)
		}
		return nil, models.E(models.KindInternal, op, err)
	}

	return s.session(user.Owner())
}

func (s *Service) session(owner models.Owner) (*models.Session, error) {
	token, err := s.tokens.Issue(owner)
	if err != nil {
		return nil, err
	}
	return &models.Session{User: owner, Token: token}, nil
}
