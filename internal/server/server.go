package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jmhessel/gpytorch/internal/config"
	"github.com/jmhessel/gpytorch/internal/errors"
	"github.com/jmhessel/gpytorch/internal/gp"
	"github.com/jmhessel/gpytorch/internal/gp/kernels"
	"github.com/jmhessel/gpytorch/internal/gp/likelihoods"
	"github.com/jmhessel/gpytorch/internal/gp/means"
	"github.com/jmhessel/gpytorch/internal/gp/models"
	"github.com/jmhessel/gpytorch/internal/logging"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// predictor is the part of a fitted model the job API needs.
type predictor interface {
	predict(x *mat.Dense, fast bool) (map[string]interface{}, error)
	hyperparameters() map[string]float64
}

// TrainingState represents the state of a model training job.
// It is thread-safe and can be accessed concurrently.
type TrainingState struct {
	ID          string
	Task        string // "regression" or "classification"
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	Model       predictor
	Error       string
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server implements the HTTP and JSON-RPC server for the GP training
// service. It manages training jobs and provides endpoints to start,
// monitor, query and cancel them.
type Server struct {
	cfg         *config.Config
	logger      Logger
	modelLogger *zap.Logger

	jobs   map[string]*TrainingState
	jobsMu sync.RWMutex // Protects the jobs map
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger,
		modelLogger: zap.NewNop(),
		jobs:        make(map[string]*TrainingState),
	}
}

// SetModelLogger sets the zap logger handed to the GP models.
func (s *Server) SetModelLogger(logger *zap.Logger) {
	if logger != nil {
		s.modelLogger = logger
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/train", s.handleTrain)
		r.Get("/status/{id}", s.handleStatus)
		r.Post("/predict/{id}", s.handlePredict)
		r.Delete("/train/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      interface{}   `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, errors.CodeParse, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, errors.CodeInvalidRequest, "Invalid Request", nil)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "train.start":
		result, err = s.handleTrainStart(request.Params)
	case "train.status":
		result, err = s.handleTrainStatus(request.Params)
	case "train.predict":
		result, err = s.handleTrainPredict(request.Params)
	case "train.cancel":
		err = s.handleTrainCancel(request.Params)
	default:
		s.respondWithError(w, errors.CodeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, errors.CodeOf(err), err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// trainRequest is the decoded parameter object of train.start.
type trainRequest struct {
	Task          string
	Inputs        *mat.Dense
	Targets       []float64
	MaxIterations int
	GridSize      int
}

// parseTrainRequest validates and decodes the train.start parameter object.
func (s *Server) parseTrainRequest(paramMap map[string]interface{}) (*trainRequest, error) {
	task, ok := paramMap["task"].(string)
	if !ok || (task != "regression" && task != "classification") {
		return nil, errors.InvalidParamsf("task must be \"regression\" or \"classification\"")
	}

	inputsRaw, ok := paramMap["inputs"].([]interface{})
	if !ok || len(inputsRaw) == 0 {
		return nil, errors.InvalidParamsf("inputs are required")
	}
	firstRow, ok := inputsRaw[0].([]interface{})
	if !ok || len(firstRow) == 0 {
		return nil, errors.InvalidParamsf("invalid inputs format, expected [[x11, x12, ...], ...]")
	}
	dims := len(firstRow)
	inputs := mat.NewDense(len(inputsRaw), dims, nil)
	for i, rowRaw := range inputsRaw {
		row, ok := rowRaw.([]interface{})
		if !ok || len(row) != dims {
			return nil, errors.InvalidParamsf("input row %d: expected %d values", i, dims)
		}
		for j, v := range row {
			f, ok := v.(float64)
			if !ok {
				return nil, errors.InvalidParamsf("inputs must be numbers")
			}
			inputs.Set(i, j, f)
		}
	}

	targetsRaw, ok := paramMap["targets"].([]interface{})
	if !ok || len(targetsRaw) != len(inputsRaw) {
		return nil, errors.InvalidParamsf("targets are required and must match the number of inputs")
	}
	targets := make([]float64, len(targetsRaw))
	for i, v := range targetsRaw {
		f, ok := v.(float64)
		if !ok {
			return nil, errors.InvalidParamsf("targets must be numbers")
		}
		targets[i] = f
	}

	req := &trainRequest{
		Task:          task,
		Inputs:        inputs,
		Targets:       targets,
		MaxIterations: s.cfg.Training.MaxIterations,
		GridSize:      s.cfg.Training.GridSize,
	}
	if v, ok := paramMap["max_iterations"].(float64); ok && v > 0 {
		req.MaxIterations = int(v)
	}
	if v, ok := paramMap["grid_size"].(float64); ok && v > 1 {
		req.GridSize = int(v)
	}
	return req, nil
}

// buildModel constructs the model for a training request. Regression uses a
// multiplicative grid-interpolation RBF kernel over unit-cube inputs;
// classification uses a scaled RBF kernel with a near-zero constant mean.
func (s *Server) buildModel(req *trainRequest) (predictor, func(ctx context.Context, opts gp.FitOptions) error, error) {
	_, dims := req.Inputs.Dims()
	switch req.Task {
	case "regression":
		base := kernels.NewRBFKernel(0, gp.Bound{Min: -3, Max: 3})
		kernel := kernels.NewMultiplicativeGridInterpolationKernel(base, req.GridSize, gp.Bound{Min: 0, Max: 1}, dims)
		mean := means.NewConstantMean(0, gp.Bound{Min: -1, Max: 1})
		m, err := models.NewGPRegressor(
			req.Inputs,
			mat.NewVecDense(len(req.Targets), req.Targets),
			mean,
			kernel,
			likelihoods.NewGaussianLikelihood(0.04),
		)
		if err != nil {
			return nil, nil, err
		}
		m.SetLogger(s.modelLogger)
		return &regressionJob{model: m, mean: mean, base: base}, m.Fit, nil
	case "classification":
		kernel := kernels.NewScaledRBFKernel(0, gp.Bound{Min: -5, Max: 6}, 0, gp.Bound{Min: -5, Max: 6})
		mean := means.NewConstantMean(0, gp.Bound{Min: -1e-5, Max: 1e-5})
		m, err := models.NewGPClassifier(
			req.Inputs,
			req.Targets,
			mean,
			kernel,
		)
		if err != nil {
			return nil, nil, err
		}
		m.SetLogger(s.modelLogger)
		return &classificationJob{model: m, mean: mean, kernel: kernel}, m.Fit, nil
	}
	return nil, nil, errors.InvalidParamsf("unknown task %q", req.Task)
}

// handleTrainStart handles the train.start JSON-RPC method.
// It starts a new training job with the specified data and options.
// Expected parameters: {"task": "regression", "inputs": [[...], ...], "targets": [...]}
// Returns: {"job_id": "train_123", "status": "pending"}
func (s *Server) handleTrainStart(params []interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, errors.InvalidParamsf("missing required parameters")
	}
	paramMap, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, errors.InvalidParamsf("invalid parameter format, expected object")
	}

	req, err := s.parseTrainRequest(paramMap)
	if err != nil {
		return nil, err
	}

	if running := s.runningJobs(); running >= s.cfg.Training.MaxJobs {
		metricJobsRejected.Inc()
		return nil, errors.Unavailablef("too many running jobs (%d)", running)
	}

	model, fit, err := s.buildModel(req)
	if err != nil {
		return nil, errors.InvalidParamsf("failed to build model: %v", err)
	}

	// Generate a unique ID for this job
	id := fmt.Sprintf("train_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())

	state := &TrainingState{
		ID:          id,
		Task:        req.Task,
		Status:      "pending",
		StartTime:   time.Now(),
		Model:       model,
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	s.jobsMu.Lock()
	s.jobs[id] = state
	s.jobsMu.Unlock()

	go s.runTraining(ctx, state, fit, gp.FitOptions{MaxIterations: req.MaxIterations})

	metricJobsStarted.WithLabelValues(req.Task).Inc()
	return map[string]interface{}{
		"job_id": id,
		"status": "pending",
	}, nil
}

// handleTrainStatus handles the train.status JSON-RPC method.
// Expected parameters: {"job_id": "train_123"}
// Returns: status object with timing, and hyperparameters once completed
func (s *Server) handleTrainStatus(params []interface{}) (interface{}, error) {
	id, err := jobIDFromParams(params)
	if err != nil {
		return nil, err
	}

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	state, exists := s.jobs[id]
	if !exists {
		return nil, errors.NotFound("training job not found")
	}

	response := map[string]interface{}{
		"task":        state.Task,
		"status":      state.Status,
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Status == "completed" {
		response["hyperparameters"] = state.Model.hyperparameters()
	}
	return response, nil
}

// handleTrainPredict handles the train.predict JSON-RPC method.
// Expected parameters: {"job_id": "train_123", "inputs": [[...], ...], "fast": true}
// Returns: task-specific predictions for the given inputs
func (s *Server) handleTrainPredict(params []interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, errors.InvalidParamsf("missing required parameters")
	}
	paramMap, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, errors.InvalidParamsf("invalid parameter format, expected object")
	}
	id, ok := paramMap["job_id"].(string)
	if !ok || id == "" {
		return nil, errors.InvalidParamsf("job_id is required")
	}

	inputsRaw, ok := paramMap["inputs"].([]interface{})
	if !ok || len(inputsRaw) == 0 {
		return nil, errors.InvalidParamsf("inputs are required")
	}
	firstRow, ok := inputsRaw[0].([]interface{})
	if !ok || len(firstRow) == 0 {
		return nil, errors.InvalidParamsf("invalid inputs format, expected [[x11, x12, ...], ...]")
	}
	dims := len(firstRow)
	inputs := mat.NewDense(len(inputsRaw), dims, nil)
	for i, rowRaw := range inputsRaw {
		row, ok := rowRaw.([]interface{})
		if !ok || len(row) != dims {
			return nil, errors.InvalidParamsf("input row %d: expected %d values", i, dims)
		}
		for j, v := range row {
			f, ok := v.(float64)
			if !ok {
				return nil, errors.InvalidParamsf("inputs must be numbers")
			}
			inputs.Set(i, j, f)
		}
	}
	fast, _ := paramMap["fast"].(bool)

	s.jobsMu.RLock()
	state, exists := s.jobs[id]
	s.jobsMu.RUnlock()
	if !exists {
		return nil, errors.NotFound("training job not found")
	}
	if state.Status != "completed" {
		return nil, errors.Conflictf("training job is %s, not completed", state.Status)
	}
	return state.Model.predict(inputs, fast)
}

// handleTrainCancel handles the train.cancel JSON-RPC method.
// Expected parameters: {"job_id": "train_123"}
// Returns: nil on success, error on failure
func (s *Server) handleTrainCancel(params []interface{}) error {
	id, err := jobIDFromParams(params)
	if err != nil {
		return err
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	state, exists := s.jobs[id]
	if !exists {
		return errors.NotFound("training job not found")
	}

	switch state.Status {
	case "completed", "failed", "cancelled":
		// Already in a terminal state
		return errors.Conflictf("cannot cancel training job with status: %s", state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}

	state.Status = "cancelled"
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	metricJobsFinished.WithLabelValues(state.Task, "cancelled").Inc()

	s.logger.Info("Training job cancelled", map[string]interface{}{
		"job_id": id,
	})
	return nil
}

// jobIDFromParams extracts the job_id field from a JSON-RPC parameter list.
func jobIDFromParams(params []interface{}) (string, error) {
	if len(params) == 0 {
		return "", errors.InvalidParamsf("missing required parameters")
	}
	paramMap, ok := params[0].(map[string]interface{})
	if !ok {
		return "", errors.InvalidParamsf("invalid parameter format, expected object")
	}
	id, ok := paramMap["job_id"].(string)
	if !ok || id == "" {
		return "", errors.InvalidParamsf("job_id is required")
	}
	return id, nil
}

// runningJobs counts jobs that are pending or running.
func (s *Server) runningJobs() int {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	count := 0
	for _, state := range s.jobs {
		if state.Status == "pending" || state.Status == "running" {
			count++
		}
	}
	return count
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// runTraining executes a training job in a goroutine
func (s *Server) runTraining(ctx context.Context, state *TrainingState, fit func(context.Context, gp.FitOptions) error, opts gp.FitOptions) {
	s.jobsMu.Lock()
	state.Status = "running"
	state.LastUpdated = time.Now()
	s.jobsMu.Unlock()
	metricActiveJobs.Inc()
	defer metricActiveJobs.Dec()

	start := time.Now()
	err := fit(ctx, opts)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if state.Status == "cancelled" {
		// Cancel already recorded the terminal state.
		return
	}
	if err != nil {
		s.logger.Error("Training job failed", map[string]interface{}{
			"job_id": state.ID,
			"error":  err.Error(),
		})
		state.Status = "failed"
		state.Error = err.Error()
		metricJobsFinished.WithLabelValues(state.Task, "failed").Inc()
	} else {
		state.Status = "completed"
		metricJobsFinished.WithLabelValues(state.Task, "completed").Inc()
		metricJobDuration.WithLabelValues(state.Task).Observe(time.Since(start).Seconds())
	}

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
}

// Close cleans up resources
func (s *Server) Close() error {
	// Cancel all running training jobs
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	for _, state := range s.jobs {
		if state.CancelFunc != nil {
			state.CancelFunc()
		}
	}
	return nil
}

// handleTrain handles the HTTP POST /train endpoint for starting a new job
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var reqBody map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	result, err := s.handleTrainStart([]interface{}{reqBody})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(errors.StatusOf(err))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(result)
}

// handleStatus handles the HTTP GET /status/:id endpoint
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing job ID", http.StatusBadRequest)
		return
	}

	result, err := s.handleTrainStatus([]interface{}{map[string]interface{}{
		"job_id": id,
	}})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(errors.StatusOf(err))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// handlePredict handles the HTTP POST /predict/:id endpoint
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing job ID", http.StatusBadRequest)
		return
	}

	var reqBody map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	reqBody["job_id"] = id

	result, err := s.handleTrainPredict([]interface{}{reqBody})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(errors.StatusOf(err))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// handleCancel handles the HTTP DELETE /train/:id endpoint
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing job ID", http.StatusBadRequest)
		return
	}

	err := s.handleTrainCancel([]interface{}{map[string]interface{}{
		"job_id": id,
	}})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(errors.StatusOf(err))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "cancellation requested",
	})
}
