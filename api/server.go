// Package api exposes the engine over HTTP.
//
// The adapter is deliberately thin: it validates wire input, translates it to
// engine calls and maps engine errors to status codes. Argument validation
// failures are rejected here and never reach engine state.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/obflow/obflow"
	"github.com/obflow/obflow/broker"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/incident"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

// Server is the HTTP API for an engine.
type Server struct {
	// Engine is the engine exposed by the server.
	Engine *obflow.Engine

	// Logger is the target for log messages about API requests.
	Logger logging.Logger
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/definitions", s.compile)
	r.Post("/instances", s.start)
	r.Get("/instances/{id}", s.inspect)
	r.Post("/instances/{id}/signal", s.signal)
	r.Post("/instances/{id}/cancel", s.cancel)
	r.Get("/instances/{id}/events", s.readEvents)
	r.Get("/instances/{id}/events/stream", s.streamEvents)
	r.Get("/instances/{id}/incidents", s.openIncidents)
	r.Post("/jobs/activate", s.activateJobs)
	r.Post("/jobs/complete", s.completeJob)
	r.Post("/jobs/fail", s.failJob)
	r.Post("/incidents/{id}/resolve", s.resolveIncident)

	return r
}

func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	version, diags, err := s.Engine.Compile(r.Context(), []byte(req.Source))
	if err != nil {
		var cerr compile.Error
		if errors.As(err, &cerr) {
			s.respond(w, http.StatusUnprocessableEntity, struct {
				Diagnostics []diagnosticBody `json:"diagnostics"`
			}{diagnosticBodies(cerr.Diagnostics)})
			return
		}

		s.fail(w, err)
		return
	}

	s.respond(w, http.StatusOK, struct {
		Version     value.Hash       `json:"version"`
		Diagnostics []diagnosticBody `json:"diagnostics,omitempty"`
	}{version, diagnosticBodies(diags)})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProcessKey        string    `json:"processKey"`
		Version           hashField `json:"version"`
		DomainPayload     []byte    `json:"domainPayload"`
		DomainPayloadHash hashField `json:"domainPayloadHash"`
		CorrelationID     string    `json:"correlationId"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.Engine.StartProcess(
		r.Context(),
		req.ProcessKey,
		req.Version.Hash,
		req.DomainPayload,
		req.DomainPayloadHash.Hash,
		req.CorrelationID,
	)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.respond(w, http.StatusCreated, struct {
		InstanceID uuid.UUID `json:"instanceId"`
	}{id})
}

func (s *Server) inspect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}

	inst, err := s.Engine.Inspect(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	body := inspectBody{
		InstanceID:    inst.ID,
		ProcessKey:    inst.ProcessKey,
		Version:       inst.BytecodeVersion,
		State:         inst.State.String(),
		StateReason:   inst.StateReason,
		CorrelationID: inst.CorrelationID,
	}

	for i := range inst.Fibers {
		f := &inst.Fibers[i]
		body.Fibers = append(body.Fibers, fiberBody{
			FiberID:  f.ID,
			PC:       uint32(f.PC),
			WaitType: f.Wait.Kind.String(),
			Detail:   f.Wait.Describe(),
		})
	}

	s.respond(w, http.StatusOK, body)
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Name           string          `json:"name"`
		CorrelationKey json.RawMessage `json:"correlationKey"`
		Payload        []byte          `json:"payload"`
		PayloadHash    *hashField      `json:"payloadHash"`
		MsgID          string          `json:"msgId"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if req.Name == "" {
		s.reject(w, "name must not be empty")
		return
	}

	corr, hasCorr, err := parseLit(req.CorrelationKey)
	if err != nil {
		s.reject(w, err.Error())
		return
	}

	// a payload travels with its hash; an absent payload hashes as empty
	hash := value.SumHash(nil)
	if req.PayloadHash != nil {
		hash = req.PayloadHash.Hash
	}

	outcome, err := s.Engine.Signal(
		r.Context(), id, req.Name, corr, hasCorr, req.Payload, hash, req.MsgID,
	)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.respond(w, http.StatusOK, struct {
		Outcome string `json:"outcome"`
	}{string(outcome)})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.Engine.Cancel(r.Context(), id, req.Reason); err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}

	from, ok := s.uintQuery(w, r, "from", 0)
	if !ok {
		return
	}

	limit, ok := s.uintQuery(w, r, "limit", 100)
	if !ok {
		return
	}

	events, err := s.Engine.ReadEvents(r.Context(), id, from, int(limit))
	if err != nil {
		s.fail(w, err)
		return
	}

	s.respond(w, http.StatusOK, events)
}

// streamEvents forwards the instance's events as JSON lines until a
// terminal-class event is delivered or the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}

	from, ok := s.uintQuery(w, r, "from", 0)
	if !ok {
		return
	}

	sub, err := s.Engine.Subscribe(r.Context(), id, from)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	err = sub.Range(r.Context(), func(_ context.Context, rec eventlog.Recorded) error {
		if err := enc.Encode(rec); err != nil {
			return err
		}

		if flusher != nil {
			flusher.Flush()
		}

		return nil
	})
	if err != nil && r.Context().Err() == nil {
		logging.Log(s.Logger, "event stream for instance %s aborted: %s", id, err)
	}
}

func (s *Server) openIncidents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}

	incidents, err := s.Engine.OpenIncidents(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.respond(w, http.StatusOK, incidents)
}

func (s *Server) activateJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskTypes []string `json:"taskTypes"`
		MaxJobs   int      `json:"maxJobs"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if len(req.TaskTypes) == 0 {
		s.reject(w, "taskTypes must not be empty")
		return
	}

	if req.MaxJobs <= 0 {
		s.reject(w, "maxJobs must be positive")
		return
	}

	jobs, err := s.Engine.ActivateJobs(r.Context(), req.TaskTypes, req.MaxJobs)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.respond(w, http.StatusOK, jobs)
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobKey            string                     `json:"jobKey"`
		DomainPayload     []byte                     `json:"domainPayload"`
		DomainPayloadHash hashField                  `json:"domainPayloadHash"`
		OrchFlags         map[string]json.RawMessage `json:"orchFlags"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	flags := make(map[string]value.Lit, len(req.OrchFlags))
	for name, raw := range req.OrchFlags {
		lit, ok, err := parseLit(raw)
		if err != nil {
			s.reject(w, err.Error())
			return
		}
		if ok {
			flags[name] = lit
		}
	}

	err := s.Engine.CompleteJob(
		r.Context(),
		req.JobKey,
		req.DomainPayload,
		req.DomainPayloadHash.Hash,
		flags,
	)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobKey     string `json:"jobKey"`
		ErrorClass string `json:"errorClass"`
		Message    string `json:"message"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if req.ErrorClass == "" {
		s.reject(w, "errorClass must not be empty")
		return
	}

	err := s.Engine.FailJob(
		r.Context(),
		req.JobKey,
		process.ErrorClass(req.ErrorClass),
		req.Message,
	)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.reject(w, "invalid incident id")
		return
	}

	var req struct {
		Resolution string `json:"resolution"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	err = s.Engine.ResolveIncident(
		r.Context(), id, process.Resolution(req.Resolution),
	)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// instanceID parses the instance id path parameter, rejecting the request on
// malformed input.
func (s *Server) instanceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.reject(w, "invalid instance id")
		return uuid.Nil, false
	}

	return id, true
}

func (s *Server) uintQuery(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	def uint64,
) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		s.reject(w, "invalid "+name+" parameter")
		return 0, false
	}

	return n, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		s.reject(w, "malformed request body: "+err.Error())
		return false
	}

	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug(s.Logger, "unable to encode response: %s", err)
	}
}

// reject reports an argument validation failure, distinct from engine
// failures.
func (s *Server) reject(w http.ResponseWriter, msg string) {
	s.respond(w, http.StatusBadRequest, errorBody{Error: msg})
}

// fail maps an engine error to a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		unknownInstance runtime.UnknownInstanceError
		unknownJob      broker.UnknownJobError
		unknownIncident incident.UnknownIncidentError
		terminal        runtime.InstanceTerminalError
		resolved        incident.ResolvedIncidentError
		mismatch        runtime.HashMismatchError
	)

	switch {
	case errors.As(err, &unknownInstance),
		errors.As(err, &unknownJob),
		errors.As(err, &unknownIncident):
		status = http.StatusNotFound

	case errors.As(err, &terminal),
		errors.As(err, &resolved):
		status = http.StatusConflict

	case errors.As(err, &mismatch):
		status = http.StatusBadRequest
	}

	s.respond(w, status, errorBody{Error: err.Error()})
}

type errorBody struct {
	Error string `json:"error"`
}

type diagnosticBody struct {
	Severity string `json:"severity"`
	Element  string `json:"element,omitempty"`
	Message  string `json:"message"`
}

func diagnosticBodies(diags []compile.Diagnostic) []diagnosticBody {
	var bodies []diagnosticBody

	for _, d := range diags {
		bodies = append(bodies, diagnosticBody{
			Severity: d.Severity.String(),
			Element:  d.Element,
			Message:  d.Message,
		})
	}

	return bodies
}

type inspectBody struct {
	InstanceID    uuid.UUID   `json:"instanceId"`
	ProcessKey    string      `json:"processKey"`
	Version       value.Hash  `json:"version"`
	State         string      `json:"state"`
	StateReason   string      `json:"stateReason,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Fibers        []fiberBody `json:"fibers,omitempty"`
}

type fiberBody struct {
	FiberID  uuid.UUID `json:"fiberId"`
	PC       uint32    `json:"pc"`
	WaitType string    `json:"waitType"`
	Detail   string    `json:"detail,omitempty"`
}

// hashField is a JSON field holding a content hash, validated strictly: it
// must be exactly 64 hex characters.
type hashField struct {
	Hash value.Hash
}

func (f *hashField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	h, err := value.ParseHash(s)
	if err != nil {
		return err
	}

	f.Hash = h

	return nil
}

func (f hashField) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Hash)
}

// parseLit maps a JSON scalar to an engine literal: booleans, integers and
// strings are accepted, anything else is rejected. ok is false when the
// value is absent or null.
func parseLit(raw json.RawMessage) (_ value.Lit, ok bool, _ error) {
	if len(raw) == 0 || string(raw) == "null" {
		return value.Lit{}, false, nil
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return value.Lit{}, false, err
	}

	switch v := v.(type) {
	case bool:
		return value.LitOfBool(v), true, nil

	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return value.Lit{}, false, fmt.Errorf("value %s is not an integer", v)
		}
		return value.LitOfInt(n), true, nil

	case string:
		return value.LitOfStr(v), true, nil

	default:
		return value.Lit{}, false, errors.New("value must be a boolean, integer or string")
	}
}
