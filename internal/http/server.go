package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cadenceio/cadence/internal/log"
	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/service"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/pkg/errors"
)

// Services bundles what the HTTP layer needs.
type Services struct {
	Sequences  *service.SequenceService
	Executions *service.ExecutionService
	Analytics  *service.AnalyticsService
}

func NewServices(store storage.Store) Services {
	logger := log.GetLogger()
	return Services{
		Sequences:  service.NewSequenceService(store, logger),
		Executions: service.NewExecutionService(store, logger),
		Analytics:  service.NewAnalyticsService(store),
	}
}

// NewMux wires the admin endpoints. Kept deliberately thin: the engine is
// driven programmatically, this surface exists for operators.
func NewMux(svc Services) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/sequences", sequencesHandler(svc))
	mux.HandleFunc("/sequences/default", defaultSequenceHandler(svc))
	mux.HandleFunc("/executions", listExecutionsHandler(svc))
	mux.HandleFunc("/executions/start", startExecutionHandler(svc))
	mux.HandleFunc("/executions/stop", stopExecutionHandler(svc))
	mux.HandleFunc("/executions/cancel", cancelExecutionHandler(svc))
	mux.HandleFunc("/executions/retry-step", retryStepHandler(svc))
	mux.HandleFunc("/analytics/report", reportHandler(svc))
	return mux
}

func StartServer(port string, store storage.Store) error {
	mux := NewMux(NewServices(store))
	log.GetLogger().Infof("Starting cadence server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "cadence server is running")
}

// statusFromErr maps the error taxonomy onto HTTP codes.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func orgIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.FormValue("org_id"), 10, 64)
}

func sequencesHandler(svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listSequencesHTTP(w, r, svc)
		case http.MethodPost:
			createSequenceHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func listSequencesHTTP(w http.ResponseWriter, r *http.Request, svc Services) {
	orgID, err := orgIDParam(r)
	if err != nil {
		http.Error(w, "Missing or invalid 'org_id' parameter", http.StatusBadRequest)
		return
	}
	seqs, err := svc.Sequences.ListSequences(orgID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list sequences: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list sequences: %v", err), statusFromErr(err))
		return
	}
	writeJSON(w, seqs)
}

func createSequenceHTTP(w http.ResponseWriter, r *http.Request, svc Services) {
	var body struct {
		OrgID int64 `json:"org_id"`
		models.Sequence
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	id, err := svc.Sequences.CreateSequence(body.OrgID, body.Sequence)
	if err != nil {
		log.GetLogger().Errorf("Failed to create sequence: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create sequence: %v", err), statusFromErr(err))
		return
	}
	writeJSON(w, map[string]int64{"id": id})
}

func defaultSequenceHandler(svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orgID, err := orgIDParam(r)
		if err != nil {
			http.Error(w, "Missing or invalid 'org_id' parameter", http.StatusBadRequest)
			return
		}
		seq, err := svc.Sequences.GetDefaultSequence(orgID)
		if err != nil {
			log.GetLogger().Errorf("Failed to get default sequence: %v", err)
			http.Error(w, fmt.Sprintf("Failed to get default sequence: %v", err), statusFromErr(err))
			return
		}
		writeJSON(w, seq)
	}
}

func listExecutionsHandler(svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orgID, err := orgIDParam(r)
		if err != nil {
			http.Error(w, "Missing or invalid 'org_id' parameter", http.StatusBadRequest)
			return
		}
		sequenceID, _ := strconv.ParseInt(r.FormValue("sequence_id"), 10, 64)
		execs, err := svc.Executions.ListExecutions(orgID, sequenceID, time.Time{})
		if err != nil {
			log.GetLogger().Errorf("Failed to list executions: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list executions: %v", err), statusFromErr(err))
			return
		}
		writeJSON(w, execs)
	}
}

func startExecutionHandler(svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orgID, err := orgIDParam(r)
		if err != nil {
			http.Error(w, "Missing or invalid 'org_id' parameter", http.StatusBadRequest)
			return
		}
		subjectID := r.FormValue("subject_id")
		if subjectID == "" {
			http.Error(w, "Missing 'subject_id' parameter", http.StatusBadRequest)
			return
		}
		sequenceID, err := strconv.ParseInt(r.FormValue("sequence_id"), 10, 64)
		if err != nil {
			http.Error(w, "Missing or invalid 'sequence_id' parameter", http.StatusBadRequest)
			return
		}
		override := r.FormValue("override") == "true"
		exec, err := svc.Executions.Start(orgID, subjectID, sequenceID, override)
		if err != nil {
			log.GetLogger().Errorf("Failed to start execution: %v", err)
			http.Error(w, fmt.Sprintf("Failed to start execution: %v", err), statusFromErr(err))
			return
		}
		writeJSON(w, exec)
	}
}

func stopExecutionHandler(svc Services) http.HandlerFunc {
	return finishExecutionHandler(svc, func(id int64, reason string) error {
		return svc.Executions.Stop(id, reason)
	})
}

func cancelExecutionHandler(svc Services) http.HandlerFunc {
	return finishExecutionHandler(svc, func(id int64, reason string) error {
		return svc.Executions.Cancel(id, reason)
	})
}

func finishExecutionHandler(svc Services, finish func(int64, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		executionID, err := strconv.ParseInt(r.FormValue("execution_id"), 10, 64)
		if err != nil {
			http.Error(w, "Missing or invalid 'execution_id' parameter", http.StatusBadRequest)
			return
		}
		if err := finish(executionID, r.FormValue("reason")); err != nil {
			log.GetLogger().Errorf("Failed to finish execution %d: %v", executionID, err)
			http.Error(w, fmt.Sprintf("Failed to finish execution: %v", err), statusFromErr(err))
			return
		}
		fmt.Fprintf(w, "OK\n")
	}
}

func retryStepHandler(svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orgID, err := orgIDParam(r)
		if err != nil {
			http.Error(w, "Missing or invalid 'org_id' parameter", http.StatusBadRequest)
			return
		}
		stepExecutionID, err := strconv.ParseInt(r.FormValue("step_execution_id"), 10, 64)
		if err != nil {
			http.Error(w, "Missing or invalid 'step_execution_id' parameter", http.StatusBadRequest)
			return
		}
		if err := svc.Executions.RetryStep(orgID, stepExecutionID); err != nil {
			log.GetLogger().Errorf("Failed to retry step execution %d: %v", stepExecutionID, err)
			http.Error(w, fmt.Sprintf("Failed to retry step: %v", err), statusFromErr(err))
			return
		}
		fmt.Fprintf(w, "OK\n")
	}
}

func reportHandler(svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		orgID, err := orgIDParam(r)
		if err != nil {
			http.Error(w, "Missing or invalid 'org_id' parameter", http.StatusBadRequest)
			return
		}
		sequenceID, _ := strconv.ParseInt(r.FormValue("sequence_id"), 10, 64)
		report, err := svc.Analytics.SequenceReport(orgID, sequenceID, time.Time{})
		if err != nil {
			log.GetLogger().Errorf("Failed to build report: %v", err)
			http.Error(w, fmt.Sprintf("Failed to build report: %v", err), statusFromErr(err))
			return
		}
		writeJSON(w, report)
	}
}
