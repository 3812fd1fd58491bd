package server

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"remitrails/internal/remit"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusForKind(k remit.Kind) int {
	switch k {
	case remit.KindValidation:
		return http.StatusBadRequest
	case remit.KindConflict, remit.KindState:
		return http.StatusConflict
	case remit.KindNotFound:
		return http.StatusNotFound
	case remit.KindAuthorization:
		return http.StatusForbidden
	case remit.KindUnavailable:
		return http.StatusServiceUnavailable
	case remit.KindCustody:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError renders an engine failure. Unclassified errors are logged
// and reported without their message.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := remit.KindOf(err)
	status := statusForKind(kind)
	detail := errorDetail{Code: remit.CodeOf(err), Kind: kind.String(), Message: err.Error()}
	if status == http.StatusInternalServerError {
		s.logger.Error("unclassified engine error",
			zap.String("path", r.URL.Path),
			zap.String("requestId", r.Header.Get(headerRequestID)),
			zap.Error(err))
		detail = errorDetail{Code: "Internal", Kind: kind.String(), Message: "internal error"}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    "BadRequest",
		Kind:    remit.KindValidation.String(),
		Message: msg,
	}})
}

func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("request authentication failed",
		zap.String("path", r.URL.Path),
		zap.String("requestId", r.Header.Get(headerRequestID)),
		zap.Error(err))
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
		Code:    "Unauthenticated",
		Kind:    remit.KindAuthorization.String(),
		Message: err.Error(),
	}})
}

// keyedMutex serialises work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
