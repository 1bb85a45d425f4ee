package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskhub/internal/api/httperr"
	"taskhub/internal/model"
	"taskhub/internal/pkg/metrics"
	"taskhub/internal/store"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	msgCodeSent        = "Verification code sent."
	msgEmailVerified   = "Email verified successfully."
	msgEmailNotFound   = "Email not found."
	msgSessionExpired  = "Session expired. Please register again."
	msgAlreadyVerified = "This email is already verified."
	msgInvalidCode     = "Invalid confirmation code."
	msgUsernameTaken   = "Username already exists"
	msgEmailTaken      = "Email already exists"
	msgBadCredentials  = "No active account found with the given credentials"
	msgTokenNotValid   = "Token is invalid or expired"
)

// AccountStore 注册与登录需要的存储操作，由 store.AccountStore 实现。
type AccountStore interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	GetAccountEmail(ctx context.Context, email string) (*model.AccountEmailAddress, error)
	SavePendingRegistration(ctx context.Context, p *model.PendingRegistration) error
	GetPendingRegistration(ctx context.Context, email string, now time.Time) (*model.PendingRegistration, error)
	ConfirmRegistration(ctx context.Context, p *model.PendingRegistration) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Issuer 发放验证码。
type Issuer interface {
	Issue(ctx context.Context, email string, username string) (string, error)
}

// RateLimiter 按 key 限制发码频率。
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Handler 提供注册、确认、重发验证码、登录与刷新 token 接口。
type Handler struct {
	accounts   AccountStore
	issuer     Issuer
	tokens     *TokenIssuer
	limiter    RateLimiter
	pendingTTL time.Duration
	hashCost   int
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler 创建 Auth Handler。limiter 为 nil 时不限流。
func NewHandler(accounts AccountStore, issuer Issuer, tokens *TokenIssuer, limiter RateLimiter, pendingTTL time.Duration, logger *slog.Logger) *Handler {
	if pendingTTL <= 0 {
		pendingTTL = 600 * time.Second
	}
	return &Handler{
		accounts:   accounts,
		issuer:     issuer,
		tokens:     tokens,
		limiter:    limiter,
		pendingTTL: pendingTTL,
		hashCost:   bcrypt.DefaultCost,
		logger:     logger,
		now:        time.Now,
	}
}

type registerRequest struct {
	Username  string `json:"username" binding:"required,max=255"`
	Email     string `json:"email" binding:"required,email"`
	Password1 string `json:"password1" binding:"required,max=255"`
	Password2 string `json:"password2" binding:"required,max=255"`
}

type confirmRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required,max=6"`
}

type resendRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	Refresh string `json:"refresh" binding:"required"`
}

type tokenPairResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register 校验注册信息，保存待确认注册并发送验证码。
//
// POST /register/
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	var req registerRequest
	fe, err := httperr.Decode(c, &req)
	if err != nil {
		httperr.ParseError(c, err)
		return
	}
	if fe == nil {
		fe = httperr.FieldErrors{}
	}
	email := normalizeEmail(req.Email)
	username := strings.TrimSpace(req.Username)

	if !fe.Has("username") {
		taken, err := h.accounts.UsernameExists(ctx, username)
		if err != nil {
			h.internal(c, "check username failed", err)
			return
		}
		if taken {
			fe.Add("username", msgUsernameTaken)
		}
	}
	if !fe.Has("email") {
		taken, err := h.accounts.EmailExists(ctx, email)
		if err != nil {
			h.internal(c, "check email failed", err)
			return
		}
		if taken {
			fe.Add("email", msgEmailTaken)
		}
	}
	if !fe.Empty() {
		h.reject(c, fe)
		return
	}
	if msg := checkPasswords(req.Password1, req.Password2); msg != "" {
		h.reject(c, httperr.NonField(msg))
		return
	}
	if !h.allow(c, email) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password1), h.hashCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		h.reject(c, httperr.FieldErrors{"password1": {"Ensure this field has no more than 72 bytes."}})
		return
	}
	if err != nil {
		h.internal(c, "hash password failed", err)
		return
	}
	pending := &model.PendingRegistration{
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		ExpiresAt:    h.now().Add(h.pendingTTL),
	}
	if err := h.accounts.SavePendingRegistration(ctx, pending); err != nil {
		h.internal(c, "save pending registration failed", err)
		return
	}
	if _, err := h.issuer.Issue(ctx, email, username); err != nil {
		h.internal(c, "issue verification code failed", err)
		return
	}

	metrics.RegistrationsTotal.WithLabelValues("submitted").Inc()
	h.logger.Info("registration submitted", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{"message": msgCodeSent})
}

// ConfirmRegister 校验验证码并创建账户。
//
// POST /register/confirm/
func (h *Handler) ConfirmRegister(c *gin.Context) {
	ctx := c.Request.Context()
	var req confirmRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	email := normalizeEmail(req.Email)

	account, err := h.accounts.GetAccountEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		h.reject(c, httperr.NonField(msgEmailNotFound))
		return
	}
	if err != nil {
		h.internal(c, "get account email failed", err)
		return
	}
	if account.Verified {
		h.reject(c, httperr.NonField(msgAlreadyVerified))
		return
	}

	pending, err := h.accounts.GetPendingRegistration(ctx, email, h.now())
	if errors.Is(err, store.ErrNotFound) {
		h.reject(c, httperr.NonField(msgSessionExpired))
		return
	}
	if err != nil {
		h.internal(c, "get pending registration failed", err)
		return
	}

	if account.ConfirmationCode == nil ||
		subtle.ConstantTimeCompare([]byte(*account.ConfirmationCode), []byte(strings.TrimSpace(req.Code))) != 1 {
		h.reject(c, httperr.NonField(msgInvalidCode))
		return
	}

	user, err := h.accounts.ConfirmRegistration(ctx, pending)
	switch {
	case errors.Is(err, store.ErrAlreadyVerified):
		h.reject(c, httperr.NonField(msgAlreadyVerified))
		return
	case errors.Is(err, store.ErrDuplicate):
		h.reject(c, httperr.FieldErrors{"username": {msgUsernameTaken}})
		return
	case err != nil:
		h.internal(c, "confirm registration failed", err)
		return
	}

	metrics.RegistrationsTotal.WithLabelValues("confirmed").Inc()
	h.logger.Info("email verified", slog.String("email", email), slog.Uint64("user_id", uint64(user.ID)))
	c.JSON(http.StatusCreated, gin.H{"message": msgEmailVerified})
}

// ResendCode 为仍在有效期内的待确认注册重新发送验证码，并顺延有效期。
//
// POST /register/resend/
func (h *Handler) ResendCode(c *gin.Context) {
	ctx := c.Request.Context()
	var req resendRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	email := normalizeEmail(req.Email)

	account, err := h.accounts.GetAccountEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		h.reject(c, httperr.NonField(msgEmailNotFound))
		return
	}
	if err != nil {
		h.internal(c, "get account email failed", err)
		return
	}
	if account.Verified {
		h.reject(c, httperr.NonField(msgAlreadyVerified))
		return
	}
	pending, err := h.accounts.GetPendingRegistration(ctx, email, h.now())
	if errors.Is(err, store.ErrNotFound) {
		h.reject(c, httperr.NonField(msgSessionExpired))
		return
	}
	if err != nil {
		h.internal(c, "get pending registration failed", err)
		return
	}
	if !h.allow(c, email) {
		return
	}

	pending.ExpiresAt = h.now().Add(h.pendingTTL)
	if err := h.accounts.SavePendingRegistration(ctx, pending); err != nil {
		h.internal(c, "extend pending registration failed", err)
		return
	}
	if _, err := h.issuer.Issue(ctx, email, pending.Username); err != nil {
		h.internal(c, "issue verification code failed", err)
		return
	}

	metrics.RegistrationsTotal.WithLabelValues("resent").Inc()
	h.logger.Info("verification code resent", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{"message": msgCodeSent})
}

// Login 校验邮箱与密码并返回 access / refresh token。
//
// POST /login/
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	email := normalizeEmail(req.Email)

	user, err := h.accounts.GetUserByEmail(c.Request.Context(), email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internal(c, "query user failed", err)
		return
	}
	if user == nil || !user.IsActive ||
		bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		httperr.Validation(c, httperr.NonField(msgBadCredentials))
		return
	}

	access, refresh, err := h.tokens.IssuePair(user.ID)
	if err != nil {
		h.internal(c, "sign token failed", err)
		return
	}

	h.logger.Info("user logged in", slog.String("email", email))
	c.JSON(http.StatusOK, tokenPairResponse{Access: access, Refresh: refresh})
}

// Refresh 用 refresh token 换取新的 access token。
//
// POST /token/refresh/
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	access, err := h.tokens.Refresh(req.Refresh)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": msgTokenNotValid, "code": "token_not_valid"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access})
}

// allow 检查发码频率，超限时写入 429。Redis 不可用时放行。
func (h *Handler) allow(c *gin.Context, email string) bool {
	if h.limiter == nil {
		return true
	}
	ok, retryAfter, err := h.limiter.Allow(c.Request.Context(), email)
	if err != nil {
		h.logger.Warn("rate limit check failed", slog.String("email", email), slog.String("error", err.Error()))
		return true
	}
	if !ok {
		metrics.RegistrationsTotal.WithLabelValues("throttled").Inc()
		httperr.TooManyRequests(c, retryAfter)
		return false
	}
	return true
}

func (h *Handler) reject(c *gin.Context, fe httperr.FieldErrors) {
	metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
	httperr.Validation(c, fe)
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	httperr.Internal(c)
}
