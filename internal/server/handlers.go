package server

import (
	"errors"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/pipeline"
	"github.com/lokalhq/lokal/internal/scoring"
	"github.com/lokalhq/lokal/internal/store"
)

const uploadAction = "upload"

type submitRequest struct {
	VideoPath           string   `json:"video_path"`
	VideoID             string   `json:"video_id"`
	UserID              string   `json:"user_id"`
	UserTags            []string `json:"user_tags"`
	MaxFrames           int      `json:"max_frames"`
	FrameInterval       float64  `json:"frame_interval"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	MaxObjectsPerFrame  int      `json:"max_objects_per_frame"`
	MaxAnalysisCalls    int      `json:"max_analysis_calls"`
	LowDetail           bool     `json:"low_detail"`
}

func (r submitRequest) options() pipeline.Options {
	return pipeline.Options{
		VideoID:             r.VideoID,
		UserID:              r.UserID,
		MaxFrames:           r.MaxFrames,
		FrameInterval:       r.FrameInterval,
		ConfidenceThreshold: r.ConfidenceThreshold,
		MaxObjectsPerFrame:  r.MaxObjectsPerFrame,
		MaxAnalysisCalls:    r.MaxAnalysisCalls,
		LowDetail:           r.LowDetail,
		UserTags:            r.UserTags,
	}
}

func errorJSON(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.VideoPath == "" {
		errorJSON(c, http.StatusBadRequest, "video_path is required")
		return
	}

	userKey := req.UserID
	if userKey == "" {
		userKey = c.ClientIP()
	}
	if s.governor != nil {
		d := s.governor.CheckLimit(c.Request.Context(), userKey, uploadAction, s.limits.UploadLimit, s.limits.UploadWindow)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := max(int(math.Ceil(time.Until(d.ResetTime).Seconds())), 1)
			c.Header("Retry-After", strconv.Itoa(retry))
			errorJSON(c, http.StatusTooManyRequests, "upload rate limit exceeded")
			return
		}
	}

	info, err := os.Stat(req.VideoPath)
	if err != nil || info.IsDir() {
		errorJSON(c, http.StatusBadRequest, "video file not found: "+req.VideoPath)
		return
	}

	jobID := s.newID()
	err = s.pipeline.Submit(s.jobCtx, jobID, req.VideoPath, req.options())
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrThrottled):
		errorJSON(c, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, pipeline.ErrInvalidInput):
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, pipeline.ErrDuplicateJob):
		errorJSON(c, http.StatusConflict, err.Error())
		return
	default:
		s.log.Error("Submit failed", logger.String("job_id", jobID), logger.Error(err))
		errorJSON(c, http.StatusInternalServerError, "could not start job")
		return
	}

	c.Header("Location", "/api/jobs/"+jobID)
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": pipeline.StatusInitializing})
}

func (s *Server) handleStatus(c *gin.Context) {
	u, ok := s.status.Current(c.Request.Context(), c.Param("id"))
	if !ok {
		errorJSON(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleResult(c *gin.Context) {
	id := c.Param("id")
	if s.results == nil {
		errorJSON(c, http.StatusNotFound, "result storage is not configured")
		return
	}
	var res pipeline.Result
	_, err := s.results.Get(c.Request.Context(), id, &res)
	if errors.Is(err, store.ErrNotFound) {
		// A running job has no result yet.
		if u, ok := s.status.Current(c.Request.Context(), id); ok && !u.Terminal() {
			c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": u.Status, "progress": u.Progress})
			return
		}
		errorJSON(c, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		s.log.Error("Result lookup failed", logger.String("job_id", id), logger.Error(err))
		errorJSON(c, http.StatusInternalServerError, "could not load result")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleActive(c *gin.Context) {
	jobs := s.pipeline.ActiveJobs()
	if jobs == nil {
		jobs = []pipeline.ActiveJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGovernor(c *gin.Context) {
	if s.governor == nil {
		errorJSON(c, http.StatusNotFound, "governor is not configured")
		return
	}
	c.JSON(http.StatusOK, s.governor.Snapshot())
}

func (s *Server) handleSuggest(c *gin.Context) {
	tag := c.Query("tag")
	if tag == "" {
		errorJSON(c, http.StatusBadRequest, "tag query parameter is required")
		return
	}

	var keywords []string
	if s.catalog != nil {
		products, err := s.catalog.All(c.Request.Context())
		if err != nil {
			s.log.Warn("Catalog unavailable for suggestions", logger.Error(err))
		}
		for _, p := range products {
			keywords = append(keywords, p.Keywords...)
			keywords = append(keywords, p.Category, p.Brand)
		}
	}

	resp := gin.H{"tag": tag, "valid": true}
	valid, invalid := scoring.ValidateTags([]string{tag})
	if len(invalid) > 0 {
		resp["valid"] = false
		resp["reason"] = invalid[0].Reason
	}
	if len(valid) > 0 {
		resp["normalized"] = valid[0]
	}
	suggestions := scoring.SuggestTags(tag, scoring.Vocabulary(keywords))
	if suggestions == nil {
		suggestions = []scoring.Suggestion{}
	}
	resp["suggestions"] = suggestions
	c.JSON(http.StatusOK, resp)
}
