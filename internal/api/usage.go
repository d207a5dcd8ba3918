package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/omnibox-core/internal/usage"
)

// maxLookupCommands bounds the commands accepted by a single lookup.
const maxLookupCommands = 500

// UsageResponse is the counter of one command.
type UsageResponse struct {
	Command string `json:"command"`
	Uses    int64  `json:"uses"`
}

// TopResponse lists commands by descending use.
type TopResponse struct {
	Entries []usage.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// LookupRequest asks for the counters of several commands at once.
type LookupRequest struct {
	Commands []string `json:"commands"`
}

// LookupResponse maps each known command to its uses. Unknown commands are
// absent.
type LookupResponse struct {
	Uses map[string]int64 `json:"uses"`
}

// handleTopUsage returns the most used commands. ?top=N limits the list;
// zero or absent returns every command.
func (s *Server) handleTopUsage(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("top"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			badRequest(w, "top must be a non-negative integer")
			return
		}
		n = parsed
	}

	entries, err := s.store.Top(r.Context(), n)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []usage.Entry{}
	}

	writeJSON(w, http.StatusOK, TopResponse{Entries: entries, Count: len(entries)})
}

// handleRecordUsage counts one launch of the command in the body.
func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usage.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	uses, err := s.store.Increment(r.Context(), req.Command)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{Command: strings.TrimSpace(req.Command), Uses: uses})
}

// handleResetUsage drops every counter.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(r.Context()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLookupUsage returns the counters of the requested commands.
func (s *Server) handleLookupUsage(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(req.Commands) > maxLookupCommands {
		writeError(w, http.StatusBadRequest, ErrCodeValidation,
			"at most "+strconv.Itoa(maxLookupCommands)+" commands per lookup")
		return
	}

	uses, err := s.store.Lookup(r.Context(), req.Commands...)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LookupResponse{Uses: uses})
}

// handleGetUsage returns the counter of one command. Unknown commands have
// zero uses.
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	command, ok := commandParam(w, r)
	if !ok {
		return
	}

	uses, err := s.store.Uses(r.Context(), command)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{Command: command, Uses: uses})
}

// handleForgetUsage removes the counter of one command.
func (s *Server) handleForgetUsage(w http.ResponseWriter, r *http.Request) {
	command, ok := commandParam(w, r)
	if !ok {
		return
	}

	removed, err := s.store.Forget(r.Context(), command)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !removed {
		notFound(w, "command not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// commandParam extracts the {command} path segment. Commands routinely
// carry spaces and slashes, so clients escape them.
func commandParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	command, err := url.PathUnescape(chi.URLParam(r, "command"))
	if err != nil || command == "" {
		badRequest(w, "invalid command")
		return "", false
	}
	return command, true
}
