// Package middleware содержит HTTP middleware для сервиса скретч-карт.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/scratchcard-system/internal/model"
)

type contextKey string

const sessionKey contextKey = "session"

const (
	authCookieName  = "auth_token"
	defaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "scratchcard"
)

// ErrInvalidToken возвращается для неподписанного, просроченного или повреждённого токена.
var ErrInvalidToken = errors.New("invalid token")

// Claims хранит содержимое токена сессии.
type Claims struct {
	jwt.RegisteredClaims
	Role  model.Role `json:"role"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
}

// AuthMiddleware выпускает и проверяет токены сессии, подписанные HS256.
type AuthMiddleware struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется случайным,
// тогда токены перестают действовать после перезапуска.
func NewAuthMiddleware(secret string, ttl time.Duration) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	return &AuthMiddleware{
		secretKey: key,
		ttl:       ttl,
		now:       time.Now,
	}
}

// IssueToken выпускает токен сессии для пользователя.
func (a *AuthMiddleware) IssueToken(u *model.User) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role:  u.Role,
		Name:  u.Name,
		Email: u.Email,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ParseToken проверяет подпись и срок действия токена и возвращает сессию.
func (a *AuthMiddleware) ParseToken(tokenString string) (model.Session, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			return a.secretKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return model.Session{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if claims.Role != model.RoleAdmin && claims.Role != model.RolePlayer {
		return model.Session{}, fmt.Errorf("%w: bad role", ErrInvalidToken)
	}

	return model.Session{UserID: id, Role: claims.Role}, nil
}

// Middleware проверяет токен из заголовка Authorization или cookie и кладёт сессию в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := tokenFromRequest(r)
		if !ok {
			writeUnauthorized(w)
			return
		}

		sess, err := a.ParseToken(tokenString)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только сессии администратора. Ставится после Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			writeUnauthorized(w)
			return
		}
		if !sess.IsAdmin() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"success":false,"error":"admin access required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetAuthCookie устанавливает cookie с токеном сессии.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		Expires:  a.now().Add(a.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}

	cookie, err := r.Cookie(authCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
}

// SessionFromContext извлекает сессию из контекста запроса.
func SessionFromContext(ctx context.Context) (model.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(model.Session)
	return sess, ok
}

// WithSession кладёт сессию в контекст. Используется в тестах обработчиков.
func WithSession(ctx context.Context, sess model.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}
