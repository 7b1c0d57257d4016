package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"vibechat/internal/domain"
	"vibechat/internal/security"
	"vibechat/internal/service"
)

type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) Create(ctx context.Context, u *domain.User) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func TestRegister(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4) // low cost for tests
	svc := service.NewAuthService(mockRepo, tokenSvc, hasher)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mockRepo.On("GetByUsername", ctx, "newuser").Return(nil, nil).Once()
		mockRepo.On("Create", ctx, mock.MatchedBy(func(u *domain.User) bool {
			return u.Username == "newuser" && u.ID != "" && u.HashedPassword != "password123"
		})).Return(nil).Once()

		user, err := svc.Register(ctx, service.RegisterInput{Username: " newuser ", Password: "password123"})

		assert.NoError(t, err)
		assert.NotNil(t, user)
		assert.Equal(t, "newuser", user.Username)
		assert.True(t, user.IsActive)
		mockRepo.AssertExpectations(t)
	})

	t.Run("UsernameTaken", func(t *testing.T) {
		mockRepo.On("GetByUsername", ctx, "taken").Return(&domain.User{ID: "u1"}, nil).Once()

		user, err := svc.Register(ctx, service.RegisterInput{Username: "taken", Password: "password123"})

		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Nil(t, user)
	})

	t.Run("MissingFields", func(t *testing.T) {
		_, err := svc.Register(ctx, service.RegisterInput{Username: "", Password: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("WeakPassword", func(t *testing.T) {
		mockRepo.On("GetByUsername", ctx, "weak").Return(nil, nil).Once()
		_, err := svc.Register(ctx, service.RegisterInput{Username: "weak", Password: "short"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestLogin(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4)
	svc := service.NewAuthService(mockRepo, tokenSvc, hasher)
	ctx := context.Background()

	hashed, _ := hasher.Hash("password123")
	user := &domain.User{ID: "u1", Username: "alice", HashedPassword: hashed, IsActive: true}

	t.Run("Success", func(t *testing.T) {
		mockRepo.On("GetByUsername", ctx, "alice").Return(user, nil).Once()

		resp, err := svc.Login(ctx, service.LoginInput{Username: "alice", Password: "password123"})

		assert.NoError(t, err)
		assert.Equal(t, "bearer", resp.TokenType)
		claims, err := tokenSvc.Parse(resp.AccessToken)
		assert.NoError(t, err)
		assert.Equal(t, "u1", claims.Subject)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		mockRepo.On("GetByUsername", ctx, "alice").Return(user, nil).Once()
		_, err := svc.Login(ctx, service.LoginInput{Username: "alice", Password: "wrongpass"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		mockRepo.On("GetByUsername", ctx, "ghost").Return(nil, nil).Once()
		_, err := svc.Login(ctx, service.LoginInput{Username: "ghost", Password: "password123"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("Inactive", func(t *testing.T) {
		inactive := *user
		inactive.IsActive = false
		mockRepo.On("GetByUsername", ctx, "bob").Return(&inactive, nil).Once()
		_, err := svc.Login(ctx, service.LoginInput{Username: "bob", Password: "password123"})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestAuthenticate(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	svc := service.NewAuthService(mockRepo, tokenSvc, security.NewPasswordHasher(4))
	ctx := context.Background()

	user := &domain.User{ID: "u1", Username: "alice", IsActive: true}
	tok, _ := tokenSvc.CreateForUser(user)

	mockRepo.On("GetByID", ctx, "u1").Return(user, nil).Once()
	got, err := svc.Authenticate(ctx, tok)
	assert.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = svc.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	mockRepo.On("GetByID", ctx, "u1").Return(nil, nil).Once()
	_, err = svc.Authenticate(ctx, tok)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
