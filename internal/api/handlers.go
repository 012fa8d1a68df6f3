package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/nonomal/ourboard/internal/models"
	"github.com/nonomal/ourboard/internal/registry"
	"github.com/nonomal/ourboard/internal/repository"

	"github.com/gorilla/mux"
)

// BoardCRUD is what the HTTP handlers need from board storage.
type BoardCRUD interface {
	Create(ctx context.Context, board *models.Board) error
	GetByID(ctx context.Context, id string) (*models.Board, error)
	Rename(ctx context.Context, id, name string) error
}

// LiveBoards lets the HTTP API prefer the in-memory image over the persisted
// snapshot, and route updates through the board's event timeline so attached
// clients see them as ordinary broadcasts.
type LiveBoards interface {
	PeekSnapshot(boardID string) *models.Board
	Get(ctx context.Context, boardID string) (*registry.BoardState, error)
}

// Handler carries the HTTP endpoint dependencies.
type Handler struct {
	boards BoardCRUD
	live   LiveBoards
	ws     *WebSocketHandler
}

// NewHandler wires the HTTP endpoints.
func NewHandler(boards BoardCRUD, live LiveBoards, ws *WebSocketHandler) *Handler {
	return &Handler{boards: boards, live: live, ws: ws}
}

type createBoardRequest struct {
	Name         string               `json:"name"`
	AccessPolicy *models.AccessPolicy `json:"accessPolicy,omitempty"`
}

type createBoardResponse struct {
	ID string `json:"id"`
}

// CreateBoard makes a new empty board at serial 0.
func (h *Handler) CreateBoard(w http.ResponseWriter, r *http.Request) {
	var req createBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	board := models.NewBoard(req.Name)
	board.AccessPolicy = req.AccessPolicy
	if err := h.boards.Create(r.Context(), board); err != nil {
		log.Printf("Failed to create board: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create board")
		return
	}

	writeJSON(w, http.StatusCreated, createBoardResponse{ID: board.ID})
}

// GetBoard returns the board document at its current serial, from memory when
// the board is live, otherwise from the persisted snapshot.
func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h.live != nil {
		if board := h.live.PeekSnapshot(id); board != nil {
			writeJSON(w, http.StatusOK, board)
			return
		}
	}

	board, err := h.boards.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrBoardNotFound) {
			writeError(w, http.StatusNotFound, "board not found")
			return
		}
		log.Printf("Failed to get board %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get board")
		return
	}
	writeJSON(w, http.StatusOK, board)
}

type updateBoardRequest struct {
	Name         string               `json:"name,omitempty"`
	AccessPolicy *models.AccessPolicy `json:"accessPolicy,omitempty"`
}

// UpdateBoard changes the board name and/or access policy. The changes go
// through the board's event timeline, so they get serials and reach attached
// clients as ordinary broadcasts.
func (h *Handler) UpdateBoard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" && req.AccessPolicy == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	state, err := h.live.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrBoardNotFound) {
			writeError(w, http.StatusNotFound, "board not found")
			return
		}
		log.Printf("Failed to load board %s for update: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load board")
		return
	}

	if req.Name != "" {
		entry := models.NewHistoryEntry(models.AppEvent{
			Action:  models.ActionBoardRename,
			BoardID: id,
			Name:    req.Name,
		}, models.SystemUser())
		if _, err := state.AcceptAndBroadcast(&entry, nil); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to rename board")
			return
		}
		if err := h.boards.Rename(r.Context(), id, req.Name); err != nil {
			log.Printf("Failed to update name column for board %s: %v", id, err)
		}
	}
	if req.AccessPolicy != nil {
		entry := models.NewHistoryEntry(models.AppEvent{
			Action:       models.ActionBoardSetAccessPolicy,
			BoardID:      id,
			AccessPolicy: req.AccessPolicy,
		}, models.SystemUser())
		if _, err := state.AcceptAndBroadcast(&entry, nil); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update access policy")
			return
		}
	}

	writeJSON(w, http.StatusOK, state.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
