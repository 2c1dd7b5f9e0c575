package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/storyloom/backend/internal/db"
	"github.com/storyloom/backend/internal/suggest"
	"github.com/storyloom/backend/internal/ws"
)

// How many recent nodes feed the suggestion context.
const suggestionContextNodes = 5

type API struct {
	hub       *ws.Hub
	database  *db.Database
	suggester *suggest.Generator
	log       *logrus.Entry
}

func New(hub *ws.Hub, database *db.Database, suggester *suggest.Generator) *API {
	return &API{
		hub:       hub,
		database:  database,
		suggester: suggester,
		log:       logrus.WithField("component", "api"),
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("Error encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":        a.hub.RoomCount(),
		"active_participants": a.hub.ClientCount(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_stories"] = dbStats["story_count"]
			stats["total_nodes"] = dbStats["node_count"]
			stats["active_sessions"] = dbStats["active_session_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Story handlers

type StoryResponse struct {
	db.Story
	ActiveUsers int `json:"active_users"`
}

type CreateStoryRequest struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Genre           string `json:"genre,omitempty"`
	InitialPrompt   string `json:"initial_prompt,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
	IsPublic        *bool  `json:"is_public,omitempty"`
	MaxContributors int    `json:"max_contributors,omitempty"`
}

func (a *API) ListStoriesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	includeArchived := r.URL.Query().Get("archived") == "true"

	stories, err := a.database.ListStories(limit, offset, includeArchived)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list stories")
		return
	}

	activeRooms := a.hub.ActiveRooms()

	response := make([]StoryResponse, len(stories))
	for i, story := range stories {
		response[i] = StoryResponse{Story: story, ActiveUsers: activeRooms[story.ID]}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"stories": response,
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *API) CreateStoryHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		errorResponse(w, http.StatusBadRequest, "Title is required")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	story := &db.Story{
		ID:              req.ID,
		Title:           req.Title,
		Genre:           req.Genre,
		InitialPrompt:   req.InitialPrompt,
		CreatedBy:       req.CreatedBy,
		IsPublic:        isPublic,
		MaxContributors: req.MaxContributors,
	}
	if err := a.database.CreateStory(story); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create story")
		return
	}

	created, err := a.database.GetStory(req.ID)
	if err != nil || created == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get story")
		return
	}

	jsonResponse(w, http.StatusCreated, StoryResponse{Story: *created})
}

func (a *API) GetStoryHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	story, err := a.database.GetStory(storyID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get story")
		return
	}
	if story == nil {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}

	jsonResponse(w, http.StatusOK, StoryResponse{
		Story:       *story,
		ActiveUsers: a.hub.ActiveRooms()[storyID],
	})
}

func (a *API) DeleteStoryHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	story, err := a.database.GetStory(storyID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get story")
		return
	}
	if story == nil {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}

	// A story with contributions from anyone but its creator cannot be
	// deleted, only archived.
	contributors, err := a.database.CountContributors(storyID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to check contributors")
		return
	}
	if contributors > 1 {
		errorResponse(w, http.StatusConflict, "Story has contributions from other users")
		return
	}
	if contributors == 1 {
		own, err := a.database.GetContribution(storyID, story.CreatedBy)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to check contributors")
			return
		}
		if own == nil {
			errorResponse(w, http.StatusConflict, "Story has contributions from other users")
			return
		}
	}

	if err := a.database.DeleteStory(storyID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete story")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Story deleted"})
}

type archiveRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) ArchiveStoryHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	var req archiveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := a.database.ArchiveStory(storyID, req.Reason)
	if errors.Is(err, db.ErrStoryNotFound) {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to archive story")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) UnarchiveStoryHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	err := a.database.UnarchiveStory(storyID)
	if errors.Is(err, db.ErrStoryNotFound) {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to unarchive story")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// Node handlers

type CreateNodeRequest struct {
	Content      string `json:"content"`
	Author       string `json:"author"`
	ParentNodeID int64  `json:"parent_node_id,omitempty"`
	AIGenerated  bool   `json:"ai_generated,omitempty"`
}

func (a *API) CreateNodeHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		errorResponse(w, http.StatusBadRequest, "Content cannot be empty")
		return
	}
	if req.Author == "" {
		errorResponse(w, http.StatusBadRequest, "Author is required")
		return
	}

	node, err := a.database.CreateNode(storyID, strings.TrimSpace(req.Content), req.Author, req.ParentNodeID, req.AIGenerated)
	if errors.Is(err, db.ErrStoryNotFound) {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create node")
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"node_id":    node.ID,
		"content":    node.Content,
		"author":     node.Author,
		"created_at": node.CreatedAt.UTC().Format(time.RFC3339),
		"word_count": node.WordCount,
	})
}

func (a *API) ListNodesHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	nodes, err := a.database.ListNodes(storyID, limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list nodes")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"story_id": storyID,
		"nodes":    nodes,
	})
}

// Comment handlers

type CreateCommentRequest struct {
	Comment string `json:"comment"`
	Author  string `json:"author"`
	NodeID  int64  `json:"node_id,omitempty"`
}

func (a *API) CreateCommentHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	var req CreateCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Comment) == "" || req.Author == "" {
		errorResponse(w, http.StatusBadRequest, "Comment and author are required")
		return
	}

	comment, err := a.database.CreateComment(storyID, req.NodeID, req.Author, req.Comment)
	if errors.Is(err, db.ErrStoryNotFound) {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create comment")
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"comment_id": comment.ID,
		"content":    comment.Content,
		"author":     comment.Author,
		"created_at": comment.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// Suggestion handlers

func (a *API) SuggestionHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	story, err := a.database.GetStory(storyID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get story")
		return
	}
	if story == nil {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}

	promptType := r.URL.Query().Get("type")
	if promptType == "" {
		promptType = suggest.TypeContinuation
	}

	// Recent story content is the context; a fresh story falls back to the
	// initial prompt.
	recent, err := a.database.RecentNodeContents(storyID, suggestionContextNodes)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to load story context")
		return
	}
	storyContext := strings.Join(recent, "\n")
	if storyContext == "" {
		storyContext = story.InitialPrompt
	}

	suggestion := a.suggester.Suggest(r.Context(), storyContext, promptType, story.Genre)

	prompt, err := a.database.SavePrompt(storyID, promptType, suggestion, storyContext)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to save suggestion")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"suggestion":  suggestion,
		"prompt_id":   prompt.ID,
		"prompt_type": promptType,
	})
}

func (a *API) UseSuggestionHandler(w http.ResponseWriter, r *http.Request, promptID int64) {
	if err := a.database.MarkPromptUsed(promptID); err != nil {
		errorResponse(w, http.StatusNotFound, "Suggestion not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// Writing session handlers

type sessionRequest struct {
	User string `json:"user"`
}

func (a *API) JoinSessionHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		errorResponse(w, http.StatusBadRequest, "User is required")
		return
	}

	story, err := a.database.GetStory(storyID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get story")
		return
	}
	if story == nil {
		errorResponse(w, http.StatusNotFound, "Story not found")
		return
	}
	if !story.IsPublic {
		errorResponse(w, http.StatusForbidden, "Story is not public")
		return
	}

	if story.MaxContributors > 0 {
		contributors, err := a.database.CountContributors(storyID)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to check contributors")
			return
		}
		if contributors >= story.MaxContributors {
			own, err := a.database.GetContribution(storyID, req.User)
			if err != nil {
				errorResponse(w, http.StatusInternalServerError, "Failed to check contributors")
				return
			}
			if own == nil {
				errorResponse(w, http.StatusForbidden, "Story has reached maximum contributors")
				return
			}
		}
	}

	existing, err := a.database.GetWritingSession(storyID, req.User)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to check session")
		return
	}

	if err := a.database.UpsertWritingSession(storyID, req.User, true); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to join session")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"created": existing == nil,
	})
}

func (a *API) LeaveSessionHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		errorResponse(w, http.StatusBadRequest, "User is required")
		return
	}

	session, err := a.database.GetWritingSession(storyID, req.User)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to check session")
		return
	}
	if session == nil || !session.IsActive {
		errorResponse(w, http.StatusNotFound, "No active writing session found")
		return
	}

	if err := a.database.UpsertWritingSession(storyID, req.User, false); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to leave session")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) ListWritersHandler(w http.ResponseWriter, r *http.Request, storyID string) {
	writers, err := a.database.ListActiveWriters(storyID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list writers")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"story_id": storyID,
		"writers":  writers,
		"count":    len(writers),
	})
}

// Routers

// StoriesRouter dispatches /api/stories and everything below it.
func (a *API) StoriesRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/stories"), "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			a.ListStoriesHandler(w, r)
		case http.MethodPost:
			a.CreateStoryHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	parts := strings.SplitN(path, "/", 2)
	storyID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.GetStoryHandler(w, r, storyID)
		case http.MethodDelete:
			a.DeleteStoryHandler(w, r, storyID)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch parts[1] {
	case "archive":
		a.requirePost(w, r, storyID, a.ArchiveStoryHandler)
	case "unarchive":
		a.requirePost(w, r, storyID, a.UnarchiveStoryHandler)
	case "nodes":
		switch r.Method {
		case http.MethodGet:
			a.ListNodesHandler(w, r, storyID)
		case http.MethodPost:
			a.CreateNodeHandler(w, r, storyID)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case "comments":
		a.requirePost(w, r, storyID, a.CreateCommentHandler)
	case "suggestion":
		if r.Method != http.MethodGet {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.SuggestionHandler(w, r, storyID)
	case "join":
		a.requirePost(w, r, storyID, a.JoinSessionHandler)
	case "leave":
		a.requirePost(w, r, storyID, a.LeaveSessionHandler)
	case "writers":
		if r.Method != http.MethodGet {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.ListWritersHandler(w, r, storyID)
	default:
		errorResponse(w, http.StatusNotFound, "Not found")
	}
}

func (a *API) requirePost(w http.ResponseWriter, r *http.Request, storyID string, handler func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	handler(w, r, storyID)
}

// SuggestionsRouter dispatches /api/suggestions/{id}/use.
func (a *API) SuggestionsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/suggestions"), "/")
	parts := strings.SplitN(path, "/", 2)

	if len(parts) != 2 || parts[1] != "use" {
		errorResponse(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	promptID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid suggestion ID")
		return
	}

	a.UseSuggestionHandler(w, r, promptID)
}
