package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"aichat/internal/backend"
	"aichat/internal/transport/http/middleware"
	"aichat/internal/transport/http/response"
)

type AuthHandler struct {
	authService *backend.AuthService
}

type SignupRequest struct {
	Email    string `json:"email" binding:"required,email,max=128"`
	Password string `json:"password" binding:"required,max=128"`
	Name     string `json:"name" binding:"max=128"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,max=128"`
	Password string `json:"password" binding:"required,max=128"`
}

type UpdateProfileRequest struct {
	Name      *string `json:"name" binding:"omitempty,max=128"`
	AvatarURL *string `json:"avatar_url" binding:"omitempty,max=512"`
}

type PasswordResetRequest struct {
	Email string `json:"email" binding:"required,max=128"`
}

type PasswordResetConfirmRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,max=128"`
}

type UpdatePasswordRequest struct {
	Password string `json:"password" binding:"required,max=128"`
}

func NewAuthHandler(authService *backend.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.authService.SignUp(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeAuthError(c, err, "signup failed")
		return
	}
	response.OK(c, session)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.authService.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(c, err, "login failed")
		return
	}
	response.OK(c, session)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	token := c.GetString(middleware.ContextTokenKey)
	if err := h.authService.SignOut(c.Request.Context(), token); err != nil {
		writeAuthError(c, err, "logout failed")
		return
	}
	response.OK(c, gin.H{"signed_out": true})
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	user, err := h.authService.GetUser(c.Request.Context(), userID)
	if err != nil {
		writeAuthError(c, err, "fetch current user failed")
		return
	}
	response.OK(c, user)
}

func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	user, err := h.authService.UpdateProfile(c.Request.Context(), userID, backend.ProfileUpdate{
		Name:      req.Name,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		writeAuthError(c, err, "update profile failed")
		return
	}
	response.OK(c, user)
}

// RequestPasswordReset answers the same way whether or not the email is
// registered.
func (h *AuthHandler) RequestPasswordReset(c *gin.Context) {
	var req PasswordResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	if err := h.authService.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		writeAuthError(c, err, "request password reset failed")
		return
	}
	response.OK(c, gin.H{"sent": true})
}

func (h *AuthHandler) ConfirmPasswordReset(c *gin.Context) {
	var req PasswordResetConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.authService.ResetPassword(c.Request.Context(), req.Token, req.Password)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidToken) {
			response.Error(c, http.StatusBadRequest, response.CodeInvalidResetToken, "reset link is invalid or has expired")
			return
		}
		writeAuthError(c, err, "reset password failed")
		return
	}
	response.OK(c, session)
}

func (h *AuthHandler) UpdatePassword(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req UpdatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	if err := h.authService.UpdatePassword(c.Request.Context(), userID, req.Password); err != nil {
		writeAuthError(c, err, "update password failed")
		return
	}
	response.OK(c, gin.H{"updated": true})
}

func writeAuthError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, backend.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, backend.ErrWeakPassword):
		response.Error(c, http.StatusBadRequest, response.CodeWeakPassword, err.Error())
	case errors.Is(err, backend.ErrEmailExists):
		response.Error(c, http.StatusBadRequest, response.CodeEmailExists, err.Error())
	case errors.Is(err, backend.ErrInvalidCredential):
		response.Error(c, http.StatusUnauthorized, response.CodeInvalidCredentials, err.Error())
	case errors.Is(err, backend.ErrInvalidToken):
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, err.Error())
	case errors.Is(err, backend.ErrUserNotFound):
		response.Error(c, http.StatusNotFound, response.CodeUserNotFound, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
