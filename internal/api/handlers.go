package api

import (
	"encoding/json"
	"net/http"

	"github.com/trackshift/platform/converter/internal/convert"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ConvertResponse is the body of a successful conversion.
type ConvertResponse struct {
	Status     string `json:"status"`
	InputFile  string `json:"inputFile"`
	OutputFile string `json:"outputFile"`
	DurationMs int64  `json:"durationMs"`
	SizeBytes  int64  `json:"sizeBytes"`
}

type handler struct {
	conv Converter
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	req := convert.Request{Params: r.URL.Query()}
	// a non-multipart body leaves Parts nil and is reported as a missing file
	if mr, err := r.MultipartReader(); err == nil {
		req.Parts = mr
	}

	res, err := h.conv.Convert(r.Context(), req)
	if err != nil {
		writeError(w, convert.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, ConvertResponse{
		Status:     "ok",
		InputFile:  res.InputFile,
		OutputFile: res.OutputFile,
		DurationMs: res.DurationMs,
		SizeBytes:  res.SizeBytes,
	})
}

func writeError(w http.ResponseWriter, e *convert.Error) {
	writeJSON(w, e.Kind.HTTPStatus(), ErrorResponse{Error: string(e.Kind), Message: e.Message})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
