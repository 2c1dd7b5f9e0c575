package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/storyloom/backend/internal/db"
	"github.com/storyloom/backend/internal/presence"
	"github.com/storyloom/backend/internal/suggest"
	"github.com/storyloom/backend/internal/ws"
)

func setupTestAPI(t *testing.T) (*API, *db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "storyloom-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(database, presence.NewSyncer(database), ws.Options{})
	go hub.Run()

	// No API key: the suggester serves fallback suggestions.
	api := New(hub, database, suggest.New(suggest.Config{}))

	cleanup := func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, database, cleanup
}

func createTestStory(t *testing.T, database *db.Database, id string, public bool) {
	t.Helper()

	err := database.CreateStory(&db.Story{
		ID:            id,
		Title:         "Midnight Harbor",
		Genre:         "mystery",
		InitialPrompt: "The ferry never arrived.",
		CreatedBy:     "alice",
		IsPublic:      public,
	})
	if err != nil {
		t.Fatalf("Failed to create story: %v", err)
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func postJSON(path string, body any) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthHandler(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	api.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decodeBody(t, w); response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	api.StatsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decodeBody(t, w)
	if response["active_rooms"].(float64) != 0 {
		t.Errorf("Expected 0 active rooms, got %v", response["active_rooms"])
	}
	if response["total_stories"].(float64) != 1 {
		t.Errorf("Expected 1 total story, got %v", response["total_stories"])
	}
}

func TestCreateStoryHandler(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories", map[string]any{
		"title":      "The Glass Orchard",
		"genre":      "fantasy",
		"created_by": "alice",
	}))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	response := decodeBody(t, w)
	if response["title"] != "The Glass Orchard" {
		t.Errorf("Unexpected title: %v", response["title"])
	}
	if response["id"] == "" {
		t.Error("Created story should get a generated ID")
	}
	if response["is_public"] != true {
		t.Error("Stories should default to public")
	}
}

func TestCreateStoryRequiresTitle(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories", map[string]any{"created_by": "alice"}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetStoryHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	req := httptest.NewRequest("GET", "/api/stories/s1", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response := decodeBody(t, w)
	if response["id"] != "s1" {
		t.Errorf("Unexpected story: %v", response)
	}
	if response["active_users"].(float64) != 0 {
		t.Errorf("Expected 0 active users, got %v", response["active_users"])
	}
}

func TestGetStoryNotFound(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/stories/missing", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListStoriesHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)
	createTestStory(t, database, "s2", true)

	req := httptest.NewRequest("GET", "/api/stories", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response := decodeBody(t, w)
	if stories := response["stories"].([]any); len(stories) != 2 {
		t.Errorf("Expected 2 stories, got %d", len(stories))
	}
}

func TestArchiveRouting(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/archive", map[string]any{"reason": "stalled"}))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	story, _ := database.GetStory("s1")
	if !story.IsArchived {
		t.Error("Story should be archived")
	}

	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/unarchive", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	story, _ = database.GetStory("s1")
	if story.IsArchived {
		t.Error("Story should be unarchived")
	}

	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/missing/archive", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for missing story, got %d", w.Code)
	}
}

func TestCreateNodeHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/nodes", map[string]any{
		"content": "The tide brought in more than driftwood.",
		"author":  "bob",
	}))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	response := decodeBody(t, w)
	if response["success"] != true {
		t.Error("Expected success response")
	}
	if response["word_count"].(float64) != 7 {
		t.Errorf("Expected word count 7, got %v", response["word_count"])
	}
}

func TestCreateNodeValidation(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/nodes", map[string]any{
		"content": "   ",
		"author":  "bob",
	}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Blank content should be rejected, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/missing/nodes", map[string]any{
		"content": "text",
		"author":  "bob",
	}))
	if w.Code != http.StatusNotFound {
		t.Errorf("Missing story should give 404, got %d", w.Code)
	}
}

func TestListNodesHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)
	database.CreateNode("s1", "first", "alice", 0, false)
	database.CreateNode("s1", "second", "bob", 0, false)

	req := httptest.NewRequest("GET", "/api/stories/s1/nodes", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response := decodeBody(t, w)
	if nodes := response["nodes"].([]any); len(nodes) != 2 {
		t.Errorf("Expected 2 nodes, got %d", len(nodes))
	}
}

func TestCreateCommentHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/comments", map[string]any{
		"comment": "The pacing here is great.",
		"author":  "carol",
	}))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	response := decodeBody(t, w)
	if response["comment_id"].(float64) == 0 {
		t.Error("Comment should have an ID")
	}
}

func TestSuggestionHandlerUsesFallbackWithoutKey(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	req := httptest.NewRequest("GET", "/api/stories/s1/suggestion?type=plot_twist", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	response := decodeBody(t, w)
	if response["suggestion"] == "" {
		t.Error("Suggestion should never be empty")
	}
	if response["prompt_type"] != "plot_twist" {
		t.Errorf("Unexpected prompt type: %v", response["prompt_type"])
	}

	promptID := int64(response["prompt_id"].(float64))
	if promptID == 0 {
		t.Fatal("Suggestion should be persisted with an ID")
	}

	// Mark the saved suggestion as used.
	w = httptest.NewRecorder()
	api.SuggestionsRouter(w, postJSON("/api/suggestions/1/use", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 marking prompt used, got %d", w.Code)
	}
}

func TestSuggestionMissingStory(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/stories/missing/suggestion", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestJoinAndLeaveSession(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/join", map[string]any{"user": "bob"}))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if response := decodeBody(t, w); response["created"] != true {
		t.Error("First join should create the session")
	}

	// Rejoin reuses the existing record.
	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/join", map[string]any{"user": "bob"}))
	if response := decodeBody(t, w); response["created"] != false {
		t.Error("Second join should reuse the session")
	}

	req := httptest.NewRequest("GET", "/api/stories/s1/writers", nil)
	w = httptest.NewRecorder()
	api.StoriesRouter(w, req)
	if response := decodeBody(t, w); response["count"].(float64) != 1 {
		t.Errorf("Expected 1 active writer, got %v", response["count"])
	}

	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/leave", map[string]any{"user": "bob"}))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	// Leaving again finds no active session.
	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/s1/leave", map[string]any{"user": "bob"}))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestJoinPrivateStoryForbidden(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "private", false)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/private/join", map[string]any{"user": "bob"}))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

func TestJoinFullStoryForbidden(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	err := database.CreateStory(&db.Story{
		ID:              "tiny",
		Title:           "Tiny Room",
		CreatedBy:       "alice",
		IsPublic:        true,
		MaxContributors: 1,
	})
	if err != nil {
		t.Fatalf("Failed to create story: %v", err)
	}
	database.CreateNode("tiny", "opening line", "alice", 0, false)

	w := httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/tiny/join", map[string]any{"user": "bob"}))
	if w.Code != http.StatusForbidden {
		t.Errorf("New contributor should be refused at capacity, got %d", w.Code)
	}

	// Existing contributors can always rejoin.
	w = httptest.NewRecorder()
	api.StoriesRouter(w, postJSON("/api/stories/tiny/join", map[string]any{"user": "alice"}))
	if w.Code != http.StatusOK {
		t.Errorf("Existing contributor should rejoin at capacity, got %d", w.Code)
	}
}

func TestDeleteStoryWithOtherContributors(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)
	database.CreateNode("s1", "line by someone else", "bob", 0, false)

	req := httptest.NewRequest("DELETE", "/api/stories/s1", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Delete with foreign contributions should give 409, got %d", w.Code)
	}

	// The creator's own contributions do not block deletion.
	createTestStory(t, database, "s2", true)
	database.CreateNode("s2", "my own line", "alice", 0, false)

	req = httptest.NewRequest("DELETE", "/api/stories/s2", nil)
	w = httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Creator-only story should delete, got %d", w.Code)
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createTestStory(t, database, "s1", true)

	req := httptest.NewRequest("PUT", "/api/stories/s1", nil)
	w := httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/stories/s1/unknown", nil)
	w = httptest.NewRecorder()
	api.StoriesRouter(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown subresource, got %d", w.Code)
	}
}

func TestSuggestionsRouterValidation(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := httptest.NewRecorder()
	api.SuggestionsRouter(w, postJSON("/api/suggestions/abc/use", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Non-numeric ID should give 400, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/suggestions/1/use", nil)
	w = httptest.NewRecorder()
	api.SuggestionsRouter(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET should give 405, got %d", w.Code)
	}
}
