package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/authgate/authgate-go/internal/audit"
	"github.com/authgate/authgate-go/internal/model"
	"github.com/authgate/authgate-go/internal/ratelimit"
	"github.com/authgate/authgate-go/internal/repository"
	"github.com/authgate/authgate-go/internal/sanitize"
	"github.com/authgate/authgate-go/internal/token"
	"github.com/authgate/authgate-go/internal/validation"
)

const loginAction = "login"

// UserStore persists users.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encodedHash string) (bool, error)
	VerifyDummy(ctx context.Context, password string)
}

// TokenService manages bearer tokens.
type TokenService interface {
	Issue(ctx context.Context, subject string) (token.Token, error)
	Verify(ctx context.Context, raw string) (*token.Claims, error)
	Refresh(ctx context.Context, raw string) (token.Token, error)
	Invalidate(ctx context.Context, raw string) error
	TTL() time.Duration
}

// RateLimiter gates login attempts per caller.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, key string, maxAttempts int, window time.Duration) (ratelimit.Decision, error)
	RecordFailure(ctx context.Context, key string, window time.Duration) error
	Clear(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// AuditSink records security events. Implementations must not block for
// long; failures are theirs to handle.
type AuditSink interface {
	Record(ctx context.Context, e audit.Event)
}

// RequestMeta identifies the caller of one request.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Deps are the collaborators of AuthService.
type Deps struct {
	Users     UserStore
	Hasher    PasswordHasher
	Tokens    TokenService
	Limiter   RateLimiter
	Audit     AuditSink
	Validator *validation.Validator
	Sanitizer *sanitize.Sanitizer
	Logger    *slog.Logger
}

// Options tune AuthService.
type Options struct {
	MaxLoginAttempts int
	LoginDecay       time.Duration
	Timeout          time.Duration
	Now              func() time.Time
}

// AuthService sequences rate limiting, validation, sanitization, the
// business action, token handling and auditing for each endpoint. Every
// call records exactly one audit event.
type AuthService struct {
	users     UserStore
	hasher    PasswordHasher
	tokens    TokenService
	limiter   RateLimiter
	audit     audit.Sink
	validator *validation.Validator
	sanitizer *sanitize.Sanitizer
	logger    *slog.Logger
	tracer    trace.Tracer
	opts      Options
}

// NewAuthService creates a new AuthService.
func NewAuthService(deps Deps, opts Options) *AuthService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sink audit.Sink = audit.Nop{}
	if deps.Audit != nil {
		sink = deps.Audit
	}
	return &AuthService{
		users:     deps.Users,
		hasher:    deps.Hasher,
		tokens:    deps.Tokens,
		limiter:   deps.Limiter,
		audit:     audit.Safe(sink, logger),
		validator: deps.Validator,
		sanitizer: deps.Sanitizer,
		logger:    logger,
		tracer:    otel.Tracer("github.com/authgate/authgate-go/internal/service"),
		opts:      opts,
	}
}

// Register creates a user account.
func (s *AuthService) Register(ctx context.Context, meta RequestMeta, req model.RegisterRequest) (model.UserResponse, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Register")
	defer span.End()

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.ValidateRegister(req); err != nil {
		return model.UserResponse{}, s.reject(ctx, span, meta, audit.RegisterRejected, err, nil)
	}

	name := s.sanitizer.Text(req.Name)
	email := s.sanitizer.Email(req.Email)
	if name == "" {
		return model.UserResponse{}, s.reject(ctx, span, meta, audit.RegisterRejected, validation.Single("name", "is required"), nil)
	}
	if err := s.validator.ValidateEmail(email); err != nil {
		return model.UserResponse{}, s.reject(ctx, span, meta, audit.RegisterRejected, err, nil)
	}

	cctx, cancel := s.bounded(ctx)
	defer cancel()

	hash, err := s.hasher.Hash(cctx, req.Password)
	if err != nil {
		return model.UserResponse{}, s.collaboratorFailure(ctx, span, meta, audit.RegisterFailed, "hash password", err, nil)
	}

	user := &model.User{Name: name, Email: email, PasswordHash: hash}
	if err := s.users.Create(cctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return model.UserResponse{}, s.reject(ctx, span, meta, audit.RegisterRejected, validation.Taken("email"), map[string]any{"email": email})
		}
		return model.UserResponse{}, s.collaboratorFailure(ctx, span, meta, audit.RegisterFailed, "create user", err, map[string]any{"email": email})
	}

	span.SetAttributes(attribute.Int64("user.id", user.ID))
	s.record(ctx, meta, audit.RegisterSucceeded, map[string]any{"user_id": user.ID, "email": user.Email})
	return s.view(user), nil
}

// Login authenticates credentials and issues a token. Failed attempts,
// including malformed payloads, count against the caller's address.
func (s *AuthService) Login(ctx context.Context, meta RequestMeta, req model.LoginRequest) (model.LoginData, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Login")
	defer span.End()

	key := ratelimit.Key(loginAction, meta.IP)
	decision, err := s.admitLogin(ctx, span, meta, key)
	if err != nil {
		return model.LoginData{}, err
	}

	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.ValidateLogin(req); err != nil {
		s.recordFailure(ctx, key)
		return model.LoginData{}, s.reject(ctx, span, meta, audit.LoginRejected, err, attemptsLeft(decision, nil))
	}

	email := s.sanitizer.Email(req.Email)

	cctx, cancel := s.bounded(ctx)
	defer cancel()

	user, err := s.users.GetByEmail(cctx, email)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		s.hasher.VerifyDummy(cctx, req.Password)
		return model.LoginData{}, s.badCredentials(ctx, span, meta, key, email, decision)
	case err != nil:
		s.release(ctx, key)
		return model.LoginData{}, s.collaboratorFailure(ctx, span, meta, audit.LoginErrored, "find user", err, map[string]any{"email": email})
	}

	match, err := s.hasher.Verify(cctx, req.Password, user.PasswordHash)
	if err != nil {
		s.release(ctx, key)
		return model.LoginData{}, s.collaboratorFailure(ctx, span, meta, audit.LoginErrored, "verify password", err, map[string]any{"email": email})
	}
	if !match {
		return model.LoginData{}, s.badCredentials(ctx, span, meta, key, email, decision)
	}

	tok, err := s.tokens.Issue(cctx, strconv.FormatInt(user.ID, 10))
	if err != nil {
		s.release(ctx, key)
		return model.LoginData{}, s.collaboratorFailure(ctx, span, meta, audit.LoginErrored, "issue token", err, map[string]any{"user_id": user.ID})
	}

	if _, err := s.limiterCall(ctx, func(ctx context.Context) (ratelimit.Decision, error) {
		return ratelimit.Decision{}, s.limiter.Clear(ctx, key)
	}); err != nil {
		s.logger.WarnContext(ctx, "clear login attempts failed", "ip", meta.IP, "error", err)
	}

	span.SetAttributes(attribute.Int64("user.id", user.ID))
	s.record(ctx, meta, audit.LoginSucceeded, map[string]any{"user_id": user.ID, "email": user.Email})
	return model.LoginData{
		User:      s.view(user),
		TokenData: s.tokenData(tok),
	}, nil
}

// RejectLoginBody handles a login whose body could not be decoded. The
// attempt passes the same gate as any login and counts as a failure. The
// returned error wraps ErrUnreadableBody unless the caller is locked out or
// the limiter failed.
func (s *AuthService) RejectLoginBody(ctx context.Context, meta RequestMeta, cause error) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.RejectLoginBody")
	defer span.End()

	key := ratelimit.Key(loginAction, meta.IP)
	decision, err := s.admitLogin(ctx, span, meta, key)
	if err != nil {
		return err
	}

	s.recordFailure(ctx, key)
	return s.reject(ctx, span, meta, audit.LoginRejected, fmt.Errorf("%w: %w", ErrUnreadableBody, cause),
		attemptsLeft(decision, map[string]any{"reason": "unreadable body"}))
}

// RejectRegisterBody records a registration whose body could not be
// decoded. It returns cause wrapped in ErrUnreadableBody.
func (s *AuthService) RejectRegisterBody(ctx context.Context, meta RequestMeta, cause error) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.RejectRegisterBody")
	defer span.End()

	return s.reject(ctx, span, meta, audit.RegisterRejected, fmt.Errorf("%w: %w", ErrUnreadableBody, cause),
		map[string]any{"reason": "unreadable body"})
}

// Profile resolves the user behind a bearer token.
func (s *AuthService) Profile(ctx context.Context, meta RequestMeta, rawToken string) (model.UserResponse, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Profile")
	defer span.End()

	cctx, cancel := s.bounded(ctx)
	defer cancel()

	claims, err := s.verify(cctx, rawToken)
	if err != nil {
		return model.UserResponse{}, s.tokenFailure(ctx, span, meta, audit.ProfileDenied, audit.ProfileErrored, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return model.UserResponse{}, s.reject(ctx, span, meta, audit.ProfileDenied, ErrTokenInvalid, map[string]any{"reason": "subject is not a user id"})
	}

	user, err := s.users.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.UserResponse{}, s.reject(ctx, span, meta, audit.ProfileDenied, ErrUserNotFound, map[string]any{"user_id": id})
		}
		return model.UserResponse{}, s.collaboratorFailure(ctx, span, meta, audit.ProfileErrored, "find user", err, map[string]any{"user_id": id})
	}

	s.record(ctx, meta, audit.ProfileAccessed, map[string]any{"user_id": user.ID})
	return s.view(user), nil
}

// Logout invalidates the presented token. A token that is already invalid
// is rejected with ErrTokenInvalid.
func (s *AuthService) Logout(ctx context.Context, meta RequestMeta, rawToken string) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.Logout")
	defer span.End()

	cctx, cancel := s.bounded(ctx)
	defer cancel()

	claims, err := s.verify(cctx, rawToken)
	if err != nil {
		return s.tokenFailure(ctx, span, meta, audit.LogoutDenied, audit.LogoutErrored, err)
	}

	if err := s.tokens.Invalidate(cctx, rawToken); err != nil {
		return s.tokenFailure(ctx, span, meta, audit.LogoutDenied, audit.LogoutErrored, err)
	}

	s.record(ctx, meta, audit.LogoutSucceeded, map[string]any{"user_id": claims.Subject})
	return nil
}

// Refresh exchanges the presented token for a new one. The presented token
// cannot be used again.
func (s *AuthService) Refresh(ctx context.Context, meta RequestMeta, rawToken string) (model.TokenData, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Refresh")
	defer span.End()

	if rawToken == "" {
		return model.TokenData{}, s.reject(ctx, span, meta, audit.RefreshDenied, ErrTokenMissing, nil)
	}

	cctx, cancel := s.bounded(ctx)
	defer cancel()

	tok, err := s.tokens.Refresh(cctx, rawToken)
	if err != nil {
		return model.TokenData{}, s.tokenFailure(ctx, span, meta, audit.RefreshDenied, audit.RefreshErrored, err)
	}

	s.record(ctx, meta, audit.RefreshSucceeded, map[string]any{"user_id": tok.Subject})
	return s.tokenData(tok), nil
}

func (s *AuthService) verify(ctx context.Context, rawToken string) (*token.Claims, error) {
	if rawToken == "" {
		return nil, ErrTokenMissing
	}
	return s.tokens.Verify(ctx, rawToken)
}

// admitLogin passes one login attempt through the limiter. A refusal or a
// limiter failure is recorded and returned as the call's error.
func (s *AuthService) admitLogin(ctx context.Context, span trace.Span, meta RequestMeta, key string) (ratelimit.Decision, error) {
	decision, err := s.limiterCall(ctx, func(ctx context.Context) (ratelimit.Decision, error) {
		return s.limiter.CheckAndConsume(ctx, key, s.opts.MaxLoginAttempts, s.opts.LoginDecay)
	})
	if err != nil {
		return decision, s.collaboratorFailure(ctx, span, meta, audit.LoginErrored, "rate limit check", err, nil)
	}
	if !decision.Allowed {
		rlErr := &RateLimitError{RetryAfter: decision.RetryAfter}
		s.logger.WarnContext(ctx, "rate limit exceeded", "ip", meta.IP, "retry_after", rlErr.RetryAfterSeconds())
		return decision, s.reject(ctx, span, meta, audit.LoginLocked, rlErr, map[string]any{"retry_after": rlErr.RetryAfterSeconds()})
	}
	return decision, nil
}

func (s *AuthService) badCredentials(ctx context.Context, span trace.Span, meta RequestMeta, key, email string, decision ratelimit.Decision) error {
	s.recordFailure(ctx, key)
	return s.reject(ctx, span, meta, audit.LoginFailed, ErrInvalidCredentials, attemptsLeft(decision, map[string]any{"email": email}))
}

// attemptsLeft adds the attempts the caller has left once the admitted
// attempt is counted as a failure.
func attemptsLeft(decision ratelimit.Decision, detail map[string]any) map[string]any {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["attempts_remaining"] = decision.Remaining
	return detail
}

// tokenFailure records a token rejection as denied and a store or signing
// failure as errored.
func (s *AuthService) tokenFailure(ctx context.Context, span trace.Span, meta RequestMeta, denied, errored string, err error) error {
	if errors.Is(err, ErrTokenMissing) {
		return s.reject(ctx, span, meta, denied, err, nil)
	}
	if mapped := tokenError(err); mapped != nil {
		return s.reject(ctx, span, meta, denied, mapped, map[string]any{"reason": err.Error()})
	}
	return s.collaboratorFailure(ctx, span, meta, errored, "token", err, nil)
}

// reject records an expected client-side failure and returns err unchanged.
func (s *AuthService) reject(ctx context.Context, span trace.Span, meta RequestMeta, event string, err error, detail map[string]any) error {
	span.SetStatus(codes.Error, event)

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["errors"] = verrs.Fields()
	}
	s.record(ctx, meta, event, detail)
	return err
}

// collaboratorFailure logs the full error, records the event, and returns
// the classified public error.
func (s *AuthService) collaboratorFailure(ctx context.Context, span trace.Span, meta RequestMeta, event, op string, err error, detail map[string]any) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)

	public := classify(err)
	s.logger.ErrorContext(ctx, op+" failed", "event", event, "ip", meta.IP, "error", err)

	if detail == nil {
		detail = map[string]any{}
	}
	detail["error"] = public.Error()
	s.record(ctx, meta, event, detail)
	return public
}

// record writes one audit event. It survives caller cancellation.
func (s *AuthService) record(ctx context.Context, meta RequestMeta, event string, detail map[string]any) {
	s.audit.Record(context.WithoutCancel(ctx), audit.Event{
		Name:             event,
		Timestamp:        s.opts.Now().UTC(),
		RequesterAddress: meta.IP,
		UserAgent:        meta.UserAgent,
		Detail:           detail,
	})
}

// limiterCall runs a limiter operation detached from caller cancellation so
// counters stay correct when the client disconnects.
func (s *AuthService) limiterCall(ctx context.Context, fn func(context.Context) (ratelimit.Decision, error)) (ratelimit.Decision, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()
	return fn(lctx)
}

func (s *AuthService) recordFailure(ctx context.Context, key string) {
	_, err := s.limiterCall(ctx, func(ctx context.Context) (ratelimit.Decision, error) {
		return ratelimit.Decision{}, s.limiter.RecordFailure(ctx, key, s.opts.LoginDecay)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "record login failure failed", "key", key, "error", err)
	}
}

func (s *AuthService) release(ctx context.Context, key string) {
	_, err := s.limiterCall(ctx, func(ctx context.Context) (ratelimit.Decision, error) {
		return ratelimit.Decision{}, s.limiter.Release(ctx, key)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "release login attempt failed", "key", key, "error", err)
	}
}

func (s *AuthService) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// view projects a user for output. Names are sanitized again so rows
// written by other tools are encoded too.
func (s *AuthService) view(u *model.User) model.UserResponse {
	resp := model.NewUserResponse(u)
	resp.Name = s.sanitizer.Text(resp.Name)
	return resp
}

func (s *AuthService) tokenData(tok token.Token) model.TokenData {
	return model.TokenData{
		Token:     tok.Value,
		TokenType: tok.Type,
		ExpiresIn: int64(s.tokens.TTL() / time.Second),
	}
}
