// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/foundriesio/fwota/pkg/partition"
)

const (
	PathProgress = "/api/v1/firmware/progress"
	PathFirmware = "/api/v1/firmware"
	PathBoot     = "/api/v1/boot"
	PathStatus   = "/api/v1/status"

	maxRequestBody = 4096
)

// Server serves the progress value and the update controls of an Engine.
type Server struct {
	e Engine
}

func NewServer(e Engine) *Server {
	return &Server{e: e}
}

// RegisterHandlers registers the firmware endpoints on r.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc(PathProgress, s.getProgress).Methods(http.MethodGet)
	r.HandleFunc(PathFirmware, s.startUpdate).Methods(http.MethodPost)
	r.HandleFunc(PathBoot, s.switchBoot).Methods(http.MethodPost)
	r.HandleFunc(PathStatus, s.getStatus).Methods(http.MethodGet)
}

// Handler returns a router with the firmware endpoints registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterHandlers(r)
	return r
}

// getProgress returns the raw progress value as a decimal number.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := io.WriteString(w, strconv.Itoa(int(s.e.Progress()))); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (s *Server) startUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.e.StartUpdate(req); err != nil {
		slog.Warn("update request rejected", "error", err)
		http.Error(w, err.Error(), httpForError(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) switchBoot(w http.ResponseWriter, r *http.Request) {
	var req BootRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.e.SwitchBoot(req.Label)
	if err != nil {
		slog.Warn("boot switch request failed", "label", req.Label, "error", err)
		http.Error(w, err.Error(), httpForError(err))
		return
	}
	writeJSON(w, BootResponse{Boot: p})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.e.Status(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get status: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("cannot read request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to convert response to JSON: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func httpForError(err error) int {
	switch {
	case errors.Is(err, ota.ErrAttemptInProgress):
		return http.StatusConflict
	case errors.Is(err, partition.ErrNoTargetAvailable), errors.Is(err, partition.ErrCommit),
		errors.Is(err, ErrUnknownPartition), errors.Is(err, ErrInvalidRequest), errors.Is(err, ota.ErrConnection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
