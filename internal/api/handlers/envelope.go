package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/core"
	"github.com/orrn/httprint/internal/db"
	"github.com/orrn/httprint/internal/logger"
)

// Envelope is the body of every print API response.
type Envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Code    string `json:"code,omitempty"`
	State   string `json:"state,omitempty"`
}

// Result is either Ok or Err.
type Result interface {
	envelope() (int, Envelope)
}

type Ok struct {
	Message string
	Job     *core.Job
	// ShowCode adds the confirmation code to the envelope.
	ShowCode bool
}

func (r Ok) envelope() (int, Envelope) {
	env := Envelope{Message: r.Message}
	if r.Job != nil {
		env.JobID = r.Job.ID
		env.State = r.Job.State.String()
		if r.ShowCode {
			env.Code = r.Job.Code
		}
	}
	return http.StatusOK, env
}

type ErrKind string

const (
	KindBadRequest  ErrKind = "bad_request"
	KindNotFound    ErrKind = "not_found"
	KindConflict    ErrKind = "conflict"
	KindTooLarge    ErrKind = "too_large"
	KindRateLimited ErrKind = "rate_limited"
	KindQueueFull   ErrKind = "queue_full"
	KindUnavailable ErrKind = "unavailable"
	KindPrinter     ErrKind = "printer"
	KindTimeout     ErrKind = "timeout"
	KindInternal    ErrKind = "internal"
)

func (k ErrKind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindQueueFull:
		return http.StatusInsufficientStorage
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindPrinter:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type Err struct {
	Kind    ErrKind
	Message string
	// Job is set when the failure happened after the job was registered.
	Job   *core.Job
	cause error
}

func (r Err) envelope() (int, Envelope) {
	env := Envelope{Error: true, Message: r.Message}
	if r.Kind == KindInternal {
		env.Message = "internal error"
	}
	if r.Job != nil && r.Job.ID != "" {
		env.JobID = r.Job.ID
		env.State = r.Job.State.String()
	}
	return r.Kind.Status(), env
}

// ErrFrom classifies a service error.
func ErrFrom(err error) Err {
	r := Err{Kind: KindInternal, Message: err.Error(), cause: err}

	var storageErr *core.StorageError
	var dispatchErr *core.DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		r.Kind = KindPrinter
		if dispatchErr.Kind == core.DispatchTimeout {
			r.Kind = KindTimeout
		}
		r.Message = dispatchErr.Error()
	case errors.As(err, &storageErr):
		r.Message = storageErr.Msg
		switch storageErr.Kind {
		case core.StorageInvalidName, core.StorageEmpty:
			r.Kind = KindBadRequest
		case core.StorageQuota:
			r.Kind = KindQueueFull
			if errors.Is(err, core.ErrFileTooLarge) {
				r.Kind = KindTooLarge
			}
		}
	case errors.Is(err, core.ErrInvalidCopies),
		errors.Is(err, core.ErrTooManyCopies),
		errors.Is(err, core.ErrTooManyPages):
		r.Kind = KindBadRequest
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, db.ErrHistoryNotFound):
		r.Kind = KindNotFound
	case errors.Is(err, core.ErrAlreadyConsumed),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrNotRedispatchable),
		errors.Is(err, core.ErrAlreadyRedispatched):
		r.Kind = KindConflict
	case errors.Is(err, core.ErrCodeSpaceExhausted),
		errors.Is(err, core.ErrShuttingDown):
		r.Kind = KindUnavailable
	}
	return r
}

// WithJob attaches the job the error refers to.
func (r Err) WithJob(job core.Job) Err {
	if job.ID != "" {
		r.Job = &job
	}
	return r
}

// Respond writes r as JSON. Internal errors are logged and never leak their
// detail to the client.
func Respond(c *gin.Context, r Result) {
	status, env := r.envelope()
	if e, ok := r.(Err); ok && e.cause != nil {
		_ = c.Error(e.cause)
		if e.Kind == KindInternal {
			logger.FromGin(c).Error("request failed", zap.Error(e.cause))
		}
	}
	c.JSON(status, env)
}

func badRequest(message string) Err {
	return Err{Kind: KindBadRequest, Message: message}
}
