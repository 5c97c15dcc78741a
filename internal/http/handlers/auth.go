package handlers

import (
	"log/slog"
	"net/http"

	"github.com/circlely/server/internal/auth"
	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/middleware"
	"github.com/google/uuid"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	log         *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService, log *slog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

type signupRequest struct {
	FullName string `json:"fullName" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Message string    `json:"message"`
	UserID  uuid.UUID `json:"userId"`
	DevOTP  string    `json:"devOtp,omitempty"`
}

type verifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
	Flow  string `json:"flow" validate:"required,oneof=login forgot-password"`
}

type verifyOTPResponse struct {
	Message      string        `json:"message"`
	AccessToken  string        `json:"accessToken,omitempty"`
	RefreshToken string        `json:"refreshToken,omitempty"`
	User         *userResponse `json:"user,omitempty"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type otpSentResponse struct {
	Message string `json:"message"`
	DevOTP  string `json:"devOtp,omitempty"`
}

type resetPasswordRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=6,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func userFromModel(u model.User) userResponse {
	return userResponse{ID: u.ID, FullName: u.FullName, Email: u.Email, Image: u.ImagePath()}
}

// HandleSignup handles POST /signup
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	if _, err := h.authService.Signup(r.Context(), req.FullName, req.Email, req.Password); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusCreated, messageResponse{Message: "User created successfully"})
}

// HandleLogin handles POST /login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	res, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{
		Message: "OTP sent to your email",
		UserID:  res.UserID,
		DevOTP:  res.DevOTP,
	})
}

// HandleVerifyOTP handles POST /verify-otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	res, err := h.authService.VerifyOTP(r.Context(), req.Email, req.OTP, req.Flow)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}

	if res.Tokens == nil {
		respondJSON(w, http.StatusOK, verifyOTPResponse{Message: "OTP verified, you can now reset your password"})
		return
	}
	user := userFromModel(*res.User)
	respondJSON(w, http.StatusOK, verifyOTPResponse{
		Message:      "Login successful",
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		User:         &user,
	})
}

// HandleForgotPassword handles POST /forgot-password
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	devOTP, err := h.authService.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, otpSentResponse{Message: "OTP sent to your email", DevOTP: devOTP})
}

// HandleResetPassword handles POST /reset-password
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	if err := h.authService.ResetPassword(r.Context(), req.Email, req.Password); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "Password reset successfully"})
}

// HandleChangePassword handles POST /change-password (protected)
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req changePasswordRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	if err := h.authService.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}

// HandleRefresh handles POST /refresh-token
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	pair, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// HandleLogout handles POST /logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	if err := h.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "Logged out"})
}

// HandleMe handles GET /auth-user (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	user, err := h.authService.CurrentUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, userFromModel(user))
}
