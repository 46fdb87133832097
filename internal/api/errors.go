package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/heimdex/heimdex-ingest/internal/analysis"
	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/uploads"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{uploads.ErrInvalidRequest, http.StatusBadRequest, "BAD_REQUEST"},
	{uploads.ErrUnsupportedType, http.StatusBadRequest, "UNSUPPORTED_TYPE"},
	{uploads.ErrInvalidSize, http.StatusBadRequest, "INVALID_SIZE"},
	{uploads.ErrInvalidChunk, http.StatusBadRequest, "INVALID_CHUNK"},
	{uploads.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{catalog.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{uploads.ErrSessionNotFound, http.StatusNotFound, "NOT_FOUND"},
	{catalog.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{analysis.ErrVideoNotFound, http.StatusNotFound, "NOT_FOUND"},
	{uploads.ErrSessionExpired, http.StatusGone, "SESSION_EXPIRED"},
	{uploads.ErrSessionClosed, http.StatusConflict, "SESSION_CLOSED"},
	{analysis.ErrAlreadyAnalyzing, http.StatusConflict, "ALREADY_ANALYZING"},
	{analysis.ErrRunInProgress, http.StatusConflict, "ALREADY_ANALYZING"},
	{uploads.ErrComposeFailed, http.StatusBadGateway, "COMPOSE_FAILED"},
	{uploads.ErrStorage, http.StatusBadGateway, "STORAGE_UNAVAILABLE"},
}

// writeServiceError maps a domain error onto the HTTP error body.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var missing *uploads.MissingChunksError
	if errors.As(err, &missing) {
		WriteJSON(w, http.StatusConflict, ErrorResponse{
			Error:         err.Error(),
			Code:          "MISSING_CHUNKS",
			MissingChunks: missing.Indices,
		})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				logger.Error("upstream failure", "error", err)
			}
			WriteError(w, m.status, err.Error(), m.code)
			return
		}
	}

	logger.Error("unhandled error", "error", err)
	WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
}
