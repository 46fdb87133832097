package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/metrics"
	"github.com/heimdex/heimdex-ingest/internal/uploads"
)

const thumbnailURLExpiry = time.Hour

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if cfg.Objects != nil {
		r.Mount("/objects", http.StripPrefix("/objects", cfg.Objects))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, cfg.Logger))

		r.Post("/uploads", initiateUploadHandler(cfg))
		r.Get("/uploads/{id}", getUploadHandler(cfg))
		r.Post("/uploads/{id}/chunks", reportChunkHandler(cfg))
		r.Post("/uploads/{id}/resume", resumeUploadHandler(cfg))
		r.Post("/uploads/{id}/finalize", finalizeUploadHandler(cfg))

		r.Get("/videos/{id}", getVideoHandler(cfg))
		r.Get("/videos/{id}/status", videoStatusHandler(cfg))
		r.Get("/videos/{id}/segments", listSegmentsHandler(cfg))
		r.Post("/videos/{id}/analyze", analyzeVideoHandler(cfg))

		r.Get("/jobs/{id}", getJobHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Readiness != nil {
			ready := cfg.Readiness.Get(r.Context())
			resp.Inference = &ready
			if !ready.AllReady() {
				resp.Status = "degraded"
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func initiateUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InitiateUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		res, err := cfg.Uploads.Initiate(r.Context(), uploads.InitiateRequest{
			FileName: req.FileName,
			FileSize: req.FileSize,
			FileType: req.FileType,
		}, OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusCreated, res)
	}
}

func getUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := cfg.Uploads.Get(r.Context(), chi.URLParam(r, "id"), OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(session))
	}
}

func reportChunkHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChunkReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.ChunkIndex == nil {
			WriteError(w, http.StatusBadRequest, "chunk_index is required", "BAD_REQUEST")
			return
		}

		res, err := cfg.Uploads.ReportChunkStatus(r.Context(), chi.URLParam(r, "id"),
			*req.ChunkIndex, req.Status, req.ThroughputBps, OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func resumeUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, err := cfg.Uploads.Resume(r.Context(), chi.URLParam(r, "id"), OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func finalizeUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cfg.Finalizer.Finalize(r.Context(), chi.URLParam(r, "id"), OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func getVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := cfg.Catalog.GetVideo(r.Context(), chi.URLParam(r, "id"), OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, VideoToResponse(v))
	}
}

func videoStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := cfg.Catalog.GetVideo(r.Context(), chi.URLParam(r, "id"), OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, VideoToStatusResponse(v))
	}
}

func listSegmentsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID := chi.URLParam(r, "id")
		segments, err := cfg.Catalog.ListSegments(r.Context(), videoID, OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		resp := SegmentsResponse{VideoID: videoID, Segments: make([]SegmentResponse, len(segments))}
		for i, s := range segments {
			resp.Segments[i] = SegmentToResponse(s)
			resp.Segments[i].ThumbnailURL = thumbnailURL(r.Context(), cfg, s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func thumbnailURL(ctx context.Context, cfg ServerConfig, s *catalog.Segment) string {
	if cfg.Store == nil || s.ThumbnailKey == "" {
		return ""
	}
	url, err := cfg.Store.PresignGet(ctx, s.ThumbnailKey, thumbnailURLExpiry)
	if err != nil {
		cfg.Logger.Warn("failed to presign thumbnail", "key", s.ThumbnailKey, "error", err)
		return ""
	}
	return url
}

func analyzeVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID := chi.URLParam(r, "id")
		job, err := cfg.Analysis.Start(r.Context(), videoID, OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, AnalyzeResponse{
			VideoID: videoID,
			JobID:   job.ID,
			Status:  catalog.VideoStatusAnalyzing,
		})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Catalog.GetJob(r.Context(), chi.URLParam(r, "id"), OwnerFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}
