// Package api exposes the upload queue and asset monitor over HTTP for the
// dashboard UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matchlens/clipsync/internal/model"
	"github.com/matchlens/clipsync/internal/monitor"
	"github.com/matchlens/clipsync/internal/uploader"
)

// AssetGetter loads one asset record by id.
type AssetGetter interface {
	GetAsset(ctx context.Context, id string) (*model.MediaAsset, error)
}

// Server wires HTTP routes to the queue manager and status monitor.
type Server struct {
	addr     string
	bucket   string
	spoolDir string
	manager  *uploader.Manager
	monitor  *monitor.Monitor
	assets   AssetGetter
	log      *zap.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server. spoolDir receives the temporary copies of incoming
// files while their transfer is pending.
func New(addr, bucket, spoolDir string, manager *uploader.Manager, mon *monitor.Monitor, assets AssetGetter, log *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		bucket:   bucket,
		spoolDir: spoolDir,
		manager:  manager,
		monitor:  mon,
		assets:   assets,
		log:      log,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/uploads", s.handleUploads)
	mux.HandleFunc("/uploads/", s.handleUploadRoute)
	mux.HandleFunc("/assets", s.handleAssets)
	mux.HandleFunc("/assets/", s.handleAssetRoute)
	mux.HandleFunc("/organization", s.handleOrganization)
	return corsMiddleware(s.loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.addr,
			Handler: s.routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.manager.Jobs())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUploadRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			job, err := s.manager.Job(id)
			if err != nil {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			respondJSON(w, http.StatusOK, job)
		case http.MethodDelete:
			if err := s.manager.Remove(id); err != nil {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	switch parts[1] {
	case "cancel":
		s.handleCancel(w, r, id)
	case "reattach":
		s.handleReattach(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	src, bucket, err := s.intakeFile(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.manager.Enqueue(r.Context(), *src, bucket)
	if err != nil {
		if c, ok := src.Reader.(io.Closer); ok {
			_ = c.Close()
		}
		s.respondQueueError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.manager.Cancel(id); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	src, _, err := s.intakeFile(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.manager.Reattach(id, *src); err != nil {
		if c, ok := src.Reader.(io.Closer); ok {
			_ = c.Close()
		}
		s.respondQueueError(w, err)
		return
	}
	job, _ := s.manager.Job(id)
	respondJSON(w, http.StatusOK, job)
}

// assetView decorates an asset with its derived narration coverage label.
type assetView struct {
	model.MediaAsset
	Coverage   model.CoverageLabel `json:"coverage"`
	Processing bool                `json:"processing"`
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	assets := s.monitor.Assets()
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{
			MediaAsset: a,
			Coverage:   model.Coverage(a.NarrationCount),
			Processing: a.Processing(),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleAssetRoute(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/assets/")
	if id == "refresh" {
		s.handleAssetRefresh(w, r)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asset, err := s.assets.GetAsset(r.Context(), id)
	if err != nil {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	// assets from other organizations are invisible
	if asset.OrgID != s.manager.Organization() {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, assetView{
		MediaAsset: *asset,
		Coverage:   model.Coverage(asset.NarrationCount),
		Processing: asset.Processing(),
	})
}

func (s *Server) handleAssetRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.monitor.Refresh(r.Context()); err != nil {
		http.Error(w, "refresh failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrganization(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, map[string]string{"orgId": s.manager.Organization()})
	case http.MethodPut:
		var body struct {
			OrgID string `json:"orgId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrgID == "" {
			http.Error(w, "orgId required", http.StatusBadRequest)
			return
		}
		if err := s.manager.SwitchOrganization(r.Context(), body.OrgID); err != nil {
			s.log.Error("organization switch failed", zap.String("org_id", body.OrgID), zap.Error(err))
			http.Error(w, "switch failed", http.StatusInternalServerError)
			return
		}
		s.monitor.SetOrganization(body.OrgID)
		if err := s.monitor.Refresh(r.Context()); err != nil {
			s.log.Warn("asset refresh after switch failed", zap.Error(err))
		}
		respondJSON(w, http.StatusOK, map[string]string{"orgId": body.OrgID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, uploader.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, uploader.ErrNoActiveOrganization):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, uploader.ErrInvalidReattach):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, uploader.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, uploader.ErrUploadSessionFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// intakeFile spools the multipart file part to disk so the transfer can
// outlive the HTTP request. The spool file removes itself on close.
func (s *Server) intakeFile(r *http.Request) (*uploader.FileSource, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("expecting multipart form")
	}
	bucket := s.bucket
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", fmt.Errorf("missing file part")
		}
		if err != nil {
			return nil, "", fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() == "bucket" {
			val, _ := io.ReadAll(io.LimitReader(part, 256))
			if len(val) > 0 {
				bucket = strings.TrimSpace(string(val))
			}
			continue
		}
		if part.FileName() == "" {
			continue
		}
		src, err := s.spool(part)
		part.Close()
		if err != nil {
			return nil, "", err
		}
		return src, bucket, nil
	}
}

func (s *Server) spool(part *multipart.Part) (*uploader.FileSource, error) {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.CreateTemp(s.spoolDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	size, err := io.Copy(f, part)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	mimeType := part.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(part.FileName()))
	}
	return &uploader.FileSource{
		Name:     part.FileName(),
		Size:     size,
		MimeType: mimeType,
		Reader:   &spoolFile{File: f},
	}, nil
}

// spoolFile removes its backing file once the queue releases it.
type spoolFile struct {
	*os.File
}

func (f *spoolFile) Close() error {
	err := f.File.Close()
	os.Remove(f.Name())
	return err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
