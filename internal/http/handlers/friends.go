package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/circlely/server/internal/apperr"
	"github.com/circlely/server/internal/friends"
	"github.com/circlely/server/internal/middleware"
	"github.com/circlely/server/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// FriendsHandler handles friend request, friend list and user lookup endpoints
type FriendsHandler struct {
	svc *friends.Service
	log *slog.Logger
}

// NewFriendsHandler creates a new friends handler
func NewFriendsHandler(svc *friends.Service, log *slog.Logger) *FriendsHandler {
	return &FriendsHandler{svc: svc, log: log}
}

type friendIDRequest struct {
	FriendID string `json:"friendId" validate:"required,uuid"`
}

type sendRequestResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type pendingResponse struct {
	ID        uuid.UUID    `json:"id"`
	Sender    userResponse `json:"sender"`
	CreatedAt time.Time    `json:"createdAt"`
}

type friendsPageResponse struct {
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
	Friends []userResponse `json:"friends"`
}

type profileResponse struct {
	userWithRelationResponse
	TotalFriends int `json:"totalFriends"`
}

type searchPageResponse struct {
	Total  int                        `json:"total"`
	Offset int                        `json:"offset"`
	Limit  int                        `json:"limit"`
	Users  []userWithRelationResponse `json:"users"`
}

// viewerAndTarget reads the caller from the context and the friendId from the body.
func (h *FriendsHandler) viewerAndTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	var req friendIDRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return uuid.Nil, uuid.Nil, false
	}
	target, err := parseID(req.FriendID)
	if err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, target, true
}

// HandleSendRequest handles POST /friends/request
func (h *FriendsHandler) HandleSendRequest(w http.ResponseWriter, r *http.Request) {
	userID, target, ok := h.viewerAndTarget(w, r)
	if !ok {
		return
	}
	outcome, err := h.svc.SendRequest(r.Context(), userID, target)
	if err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return
	}
	msg := "Friend request sent"
	if outcome == model.OutcomeBefriended {
		msg = "You are now friends"
	}
	respondJSON(w, http.StatusOK, sendRequestResponse{Message: msg, Status: string(outcome)})
}

// HandleAcceptRequest handles POST /friends/accept
func (h *FriendsHandler) HandleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	userID, target, ok := h.viewerAndTarget(w, r)
	if !ok {
		return
	}
	if err := h.svc.AcceptRequest(r.Context(), userID, target); err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "Friend request accepted"})
}

// HandleCancelRequest handles POST /friends/cancel
func (h *FriendsHandler) HandleCancelRequest(w http.ResponseWriter, r *http.Request) {
	userID, target, ok := h.viewerAndTarget(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelRequest(r.Context(), userID, target); err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "Friend request cancelled"})
}

// HandleListPending handles GET /friends/pending
func (h *FriendsHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	pending, err := h.svc.ListPending(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return
	}
	out := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		sender := toUserResponse(p.Sender)
		sender.Email = ""
		out = append(out, pendingResponse{ID: p.ID, Sender: sender, CreatedAt: p.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

// HandleListFriends handles GET /friends?limit&offset
func (h *FriendsHandler) HandleListFriends(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, offset, err := pagingParams(r)
	if err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return
	}
	page, err := h.svc.ListFriends(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, r, h.log, err, friendSurface)
		return
	}
	out := friendsPageResponse{Total: page.Total, Offset: page.Offset, Limit: page.Limit, Friends: make([]userResponse, 0, len(page.Friends))}
	for _, f := range page.Friends {
		out.Friends = append(out.Friends, toUserResponse(f))
	}
	respondJSON(w, http.StatusOK, out)
}

// HandleGetUser handles GET /users/{id}
func (h *FriendsHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	u, err := h.svc.GetUser(r.Context(), viewerID, id)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	respondJSON(w, http.StatusOK, profileResponse{
		userWithRelationResponse: toUserWithRelation(u.UserWithRelation),
		TotalFriends:             u.TotalFriends,
	})
}

// HandleSearchUsers handles GET /search/users/{query}?limit&offset
func (h *FriendsHandler) HandleSearchUsers(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, offset, err := pagingParams(r)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	query, err := url.PathUnescape(chi.URLParam(r, "query"))
	if err != nil {
		writeError(w, r, h.log, apperr.Validation("invalid search query"), authSurface)
		return
	}
	page, err := h.svc.SearchUsers(r.Context(), viewerID, query, limit, offset)
	if err != nil {
		writeError(w, r, h.log, err, authSurface)
		return
	}
	out := searchPageResponse{Total: page.Total, Offset: page.Offset, Limit: page.Limit, Users: make([]userWithRelationResponse, 0, len(page.Users))}
	for _, u := range page.Users {
		out.Users = append(out.Users, toUserWithRelation(u))
	}
	respondJSON(w, http.StatusOK, out)
}

func pagingParams(r *http.Request) (int, int, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
