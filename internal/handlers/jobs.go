package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// JobsStatus reports the background job queue.
func (s *Server) JobsStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Jobs == nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Job queue not initialized"})
			return
		}
		info := s.Jobs.Info()
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status": "running",
			"queue":  info,
		})
	}
}

// JobStatus returns a job that has not completed yet.
func (s *Server) JobStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Jobs == nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Job queue not initialized"})
			return
		}
		jobID := mux.Vars(r)["jobId"]
		job, exists := s.Jobs.Status(jobID)
		if !exists {
			respondWithJSON(w, http.StatusNotFound, map[string]string{"error": "Job not found or already completed"})
			return
		}
		respondWithJSON(w, http.StatusOK, job)
	}
}
