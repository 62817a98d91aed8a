package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
	"github.com/tphakala/meetrec/internal/session"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	Category      string `json:"category,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// ControlResponse reports the outcome of a state change.
type ControlResponse struct {
	Changed bool          `json:"changed"`
	State   session.State `json:"state"`
}

// OutputRequest sets the file of the next recording.
type OutputRequest struct {
	Path string `json:"path"`
}

// OutputResponse echoes the stored output path.
type OutputResponse struct {
	OutputPath string `json:"output_path"`
}

// NoiseReductionRequest sets either gate level, or both. Levels are
// clamped to 0-10.
type NoiseReductionRequest struct {
	Microphone *int `json:"microphone,omitempty"`
	Speaker    *int `json:"speaker,omitempty"`
}

// NoiseReductionResponse carries the applied levels.
type NoiseReductionResponse struct {
	Microphone int `json:"microphone"`
	Speaker    int `json:"speaker"`
}

// VolumeRequest sets either stream volume, or both. Volumes are clamped
// to 0-1.
type VolumeRequest struct {
	Microphone *float32 `json:"microphone,omitempty"`
	System     *float32 `json:"system,omitempty"`
}

// VolumeResponse carries the applied volumes.
type VolumeResponse struct {
	Microphone float32 `json:"microphone"`
	System     float32 `json:"system"`
}

// MicrophoneAppResponse names the application holding the microphone.
type MicrophoneAppResponse struct {
	Application string `json:"application"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.Status())
}

func (s *Server) handleStart(c echo.Context) error {
	if err := s.session.StartRecording(); err != nil {
		return s.respondError(c, err, "failed to start recording")
	}
	return c.JSON(http.StatusOK, ControlResponse{Changed: true, State: s.session.Status().State})
}

// handleStop is idempotent: stopping an idle session reports no change.
func (s *Server) handleStop(c echo.Context) error {
	changed := s.session.Status().State != session.StateIdle
	s.session.Stop()
	return c.JSON(http.StatusOK, ControlResponse{Changed: changed, State: s.session.Status().State})
}

func (s *Server) handlePause(c echo.Context) error {
	if !s.session.Pause() {
		return s.respondError(c, notRecording("pause"), "cannot pause")
	}
	return c.JSON(http.StatusOK, ControlResponse{Changed: true, State: s.session.Status().State})
}

func (s *Server) handleResume(c echo.Context) error {
	if !s.session.Resume() {
		return s.respondError(c, notRecording("resume"), "cannot resume")
	}
	return c.JSON(http.StatusOK, ControlResponse{Changed: true, State: s.session.Status().State})
}

func notRecording(op string) error {
	return errors.Newf("%s needs a recording in the matching state", op).
		Component(componentAPI).
		Category(errors.CategoryNotRunning).
		Build()
}

func (s *Server) handleSetOutput(c echo.Context) error {
	var req OutputRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, badRequest(err), "invalid request body")
	}
	if err := s.session.SetOutputPath(req.Path); err != nil {
		return s.respondError(c, err, "invalid output path")
	}
	return c.JSON(http.StatusOK, OutputResponse{OutputPath: req.Path})
}

func (s *Server) handleSetNoiseReduction(c echo.Context) error {
	var req NoiseReductionRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, badRequest(err), "invalid request body")
	}
	if req.Microphone == nil && req.Speaker == nil {
		return s.respondError(c, badRequest(errors.NewStd("microphone or speaker is required")), "nothing to set")
	}

	st := s.session.Status()
	resp := NoiseReductionResponse{Microphone: st.MicNoiseReduction, Speaker: st.SpeakerNoiseReduction}
	if req.Microphone != nil {
		resp.Microphone = s.session.SetMicNoiseReduction(*req.Microphone)
	}
	if req.Speaker != nil {
		resp.Speaker = s.session.SetSpeakerNoiseReduction(*req.Speaker)
	}
	s.log.Info("noise reduction changed",
		logger.Int("microphone", resp.Microphone),
		logger.Int("speaker", resp.Speaker))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSetVolume(c echo.Context) error {
	var req VolumeRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, badRequest(err), "invalid request body")
	}
	if req.Microphone == nil && req.System == nil {
		return s.respondError(c, badRequest(errors.NewStd("microphone or system is required")), "nothing to set")
	}

	st := s.session.Status()
	resp := VolumeResponse{Microphone: st.MicrophoneVolume, System: st.SystemVolume}
	if req.Microphone != nil {
		resp.Microphone = s.session.SetMicrophoneVolume(*req.Microphone)
	}
	if req.System != nil {
		resp.System = s.session.SetSystemAudioVolume(*req.System)
	}
	s.log.Info("volume changed",
		logger.Float32("microphone", resp.Microphone),
		logger.Float32("system", resp.System))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMicrophoneApp(c echo.Context) error {
	return c.JSON(http.StatusOK, MicrophoneAppResponse{Application: s.session.GetCurrentMicrophoneApp()})
}

func badRequest(err error) error {
	return errors.New(err).
		Component(componentAPI).
		Category(errors.CategoryValidation).
		Build()
}

// statusFor maps an error category onto an HTTP status.
func statusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation, errors.CategoryConfiguration:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryAlreadyRunning, errors.CategoryNotRunning, errors.CategoryState, errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryFormatMismatch:
		return http.StatusUnprocessableEntity
	case errors.CategoryDeviceCreation, errors.CategoryTapCreation, errors.CategoryIOFailure, errors.CategoryResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes an ErrorResponse and logs it under a correlation id
// the client can quote.
func (s *Server) respondError(c echo.Context, err error, message string) error {
	code := statusFor(err)
	resp := ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		Category:      string(errors.CategoryOf(err)),
		CorrelationID: uuid.NewString()[:8],
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("path", c.Path()),
		logger.Int("status", code),
		logger.Error(err),
	}
	if code >= http.StatusInternalServerError {
		s.log.Error(message, fields...)
	} else {
		s.log.Warn(message, fields...)
	}
	return c.JSON(code, resp)
}

// handleHTTPError renders router errors such as 404 and 405 in the same
// shape as handler errors.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}
	if jsonErr := c.JSON(code, ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}); jsonErr != nil {
		s.log.Error("failed to write error response", logger.Error(jsonErr))
	}
}
