package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials covers both unknown emails and wrong passwords so
// login errors do not leak which one it was.
var ErrInvalidCredentials = errors.New("invalid credentials")

type AdminUser struct {
	ID    uuid.UUID
	Email string
	Role  string
}

type Service interface {
	Register(ctx context.Context, email, password string) (*AdminUser, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// Store is the admin-user persistence the service needs. *Repository
// satisfies it.
type Store interface {
	Create(ctx context.Context, email, passwordHash string) (*AdminUser, error)
	GetByEmail(ctx context.Context, email string) (*AdminUser, string, error)
}

type service struct {
	repo   Store
	secret []byte
}

func NewService(repo Store, jwtSecret string) *service {
	if jwtSecret == "" {
		jwtSecret = "supersecretmvp"
	}
	return &service{repo: repo, secret: []byte(jwtSecret)}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) Register(ctx context.Context, email, password string) (*AdminUser, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.Create(ctx, email, string(hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return u, nil
}

// Seed creates the initial admin user at startup when credentials are
// configured. Safe to run on every boot: an already-registered email is a
// no-op, so rotating ADMIN_PASSWORD requires a manual update.
func Seed(ctx context.Context, svc Service, email, password string, log *slog.Logger) error {
	if email == "" || password == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	u, err := svc.Register(ctx, email, password)
	if errors.Is(err, ErrDuplicateEmail) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("seeded admin user", "email", u.Email, "admin_id", u.ID)
	return nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	u, hash, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(u.ID, u.Role)
}

func (s *service) issueToken(userID uuid.UUID, role string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
