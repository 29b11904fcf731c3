package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/runtime"
)

// authDocs is the slice of the document store the auth handler needs.
type authDocs interface {
	CreateUser(ctx context.Context, email, passwordHash, displayName string) (*docstore.User, error)
	GetUserByEmail(ctx context.Context, email string) (*docstore.User, error)
	GetUserByID(ctx context.Context, id string) (*docstore.User, error)
	SetDisplayName(ctx context.Context, userID, name string) error
	SetPushToken(ctx context.Context, userID, token string) error
	SetPaymentCustomer(ctx context.Context, userID, customerID string) error
}

type AuthHandler struct {
	Docs   authDocs
	Secret []byte
}

// Register mounts the unauthenticated auth endpoints.
func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/signup", a.signup)
	g.POST("/login", a.login)
	g.POST("/logout", a.logout)
}

// RegisterProfile mounts the account endpoints on an authenticated group.
func (a *AuthHandler) RegisterProfile(g *echo.Group) {
	g.GET("/me", a.me)
	g.PATCH("/me", a.updateProfile)
}

// Signup
//
//	@Summary		User signup
//	@Description	Create a new user account
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		AuthSignupRequest	true	"Signup payload"
//	@Success		201		{object}	IDResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/auth/signup [post]
func (a *AuthHandler) signup(c echo.Context) error {
	var req AuthSignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	user, err := a.Docs.CreateUser(c.Request().Context(), req.Email, string(hash), req.DisplayName)
	if err != nil {
		if errors.Is(err, docstore.ErrDuplicateEmail) {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: user.ID})
}

// Login
//
//	@Summary		Login
//	@Description	Returns JWT in cookie and body; supports Bearer flows
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		AuthLoginRequest	true	"Login payload"
//	@Success		200		{object}	TokenResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		401		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/auth/login [post]
func (a *AuthHandler) login(c echo.Context) error {
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	user, err := a.Docs.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	var scopes []string
	if user.Role == docstore.RoleAdmin {
		scopes = append(scopes, "admin")
	}
	signed, err := runtime.SignJWT(user.ID, a.Secret, 24*time.Hour, scopes...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = signed
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	if os.Getenv("VOYA_ENV") == "prod" {
		cookie.Secure = true
	}
	c.SetCookie(cookie)
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

// Logout
//
//	@Summary	Logout
//	@Tags		auth
//	@Produce	json
//	@Success	200	{string}	string	"OK"
//	@Router		/api/auth/logout [post]
func (a *AuthHandler) logout(c echo.Context) error {
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = ""
	cookie.Path = "/"
	cookie.MaxAge = -1
	c.SetCookie(cookie)
	return c.NoContent(http.StatusOK)
}

// Me
//
//	@Summary	Current account
//	@Tags		auth
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	docstore.User
//	@Failure	404	{object}	HTTPError
//	@Router		/api/me [get]
func (a *AuthHandler) me(c echo.Context) error {
	userID := c.Get("user_id").(string)
	user, err := a.Docs.GetUserByID(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, user)
}

// UpdateProfile
//
//	@Summary	Update account fields
//	@Tags		auth
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		UpdateProfileRequest	true	"Profile patch"
//	@Success	200		{object}	docstore.User
//	@Failure	400		{object}	HTTPError
//	@Router		/api/me [patch]
func (a *AuthHandler) updateProfile(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	var req UpdateProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DisplayName != nil {
		if err := a.Docs.SetDisplayName(ctx, userID, *req.DisplayName); err != nil {
			return profileErr(err)
		}
	}
	if req.PushToken != nil {
		if err := a.Docs.SetPushToken(ctx, userID, *req.PushToken); err != nil {
			return profileErr(err)
		}
	}
	if req.PaymentCustomerID != nil {
		if err := a.Docs.SetPaymentCustomer(ctx, userID, *req.PaymentCustomerID); err != nil {
			return profileErr(err)
		}
	}
	user, err := a.Docs.GetUserByID(ctx, userID)
	if err != nil {
		return profileErr(err)
	}
	return c.JSON(http.StatusOK, user)
}

func profileErr(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
