package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

// RegisterThreads registers HTTP handlers for thread-related endpoints.
func RegisterThreads(r *mux.Router) {
	r.HandleFunc("/threads", createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", patchThread).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}", deleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/messages", listThreadMessages).Methods(http.MethodGet)
}

func createThread(w http.ResponseWriter, r *http.Request) {
	var th models.Thread
	if err := json.NewDecoder(r.Body).Decode(&th); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if th.SessionID == "" && auth.ResolveIdentity(r) == nil {
		utils.JSONError(w, http.StatusBadRequest, "sessionId or signed identity required")
		return
	}
	th.ID = utils.GenThreadID()
	th.CreatedTS = time.Now().UTC().UnixNano()
	th.LastMessageAt = th.CreatedTS
	if id := auth.ResolveIdentity(r); id != nil {
		th.UserID = id.Subject
	}
	if err := store.SaveThread(th); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("thread_created", "thread", th.ID)
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

func listThreads(w http.ResponseWriter, r *http.Request) {
	identity := auth.ResolveIdentity(r)
	session := r.URL.Query().Get("session")
	if identity == nil && session == "" {
		utils.JSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	all, err := store.ListThreads()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.Thread, 0, len(all))
	for _, th := range all {
		if identity != nil && th.UserID == identity.Subject {
			out = append(out, th)
			continue
		}
		if session != "" && th.SessionID == session {
			out = append(out, th)
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads []models.Thread `json:"threads"`
	}{Threads: out})
}

// loadThreadChecked fetches a thread and enforces access; writes the error
// response itself and returns ok=false on failure.
func loadThreadChecked(w http.ResponseWriter, r *http.Request) (models.Thread, bool) {
	id := mux.Vars(r)["id"]
	th, err := store.GetThread(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return th, false
	}
	lockerKey := r.Header.Get("X-Locker-Key")
	if lockerKey == "" {
		lockerKey = r.URL.Query().Get("lockerKey")
	}
	if err := auth.AssertThreadAccess(th, lockerKey, auth.ResolveIdentity(r)); err != nil {
		utils.JSONError(w, http.StatusForbidden, err.Error())
		return th, false
	}
	return th, true
}

func getThread(w http.ResponseWriter, r *http.Request) {
	th, ok := loadThreadChecked(w, r)
	if !ok {
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

func patchThread(w http.ResponseWriter, r *http.Request) {
	th, ok := loadThreadChecked(w, r)
	if !ok {
		return
	}
	var patch struct {
		Title  *string `json:"title"`
		Frozen *bool   `json:"frozen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if patch.Title != nil {
		th.Title = *patch.Title
	}
	if patch.Frozen != nil {
		th.Frozen = *patch.Frozen
	}
	if err := store.SaveThread(th); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

func deleteThread(w http.ResponseWriter, r *http.Request) {
	th, ok := loadThreadChecked(w, r)
	if !ok {
		return
	}
	if err := store.DeleteThread(th.ID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func listThreadMessages(w http.ResponseWriter, r *http.Request) {
	th, ok := loadThreadChecked(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := store.ListMessages(th.ID, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Thread   string           `json:"thread"`
		Messages []models.Message `json:"messages"`
	}{Thread: th.ID, Messages: msgs})
}
