package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/woclouds/wopan/backend/wopan"
	"github.com/woclouds/wopan/backend/wopan/api"
	"github.com/woclouds/wopan/pan"
	"github.com/woclouds/wopan/tokens"
	"github.com/woclouds/wopan/uploader"
)

// Upstream is the slice of the wopan client the gateway drives.  It
// is an interface so the handlers can be tested against a fake.
type Upstream interface {
	ListChildren(ctx context.Context, parentID string) ([]api.File, error)
	GetDownloadURLs(ctx context.Context, fids []string) ([]api.DownloadURL, error)
	CreateDirectory(ctx context.Context, parentID, name string) (string, error)
	Delete(ctx context.Context, dirIDs, fileIDs []string) error
	FindFile(ctx context.Context, remotePath string) (*api.File, error)
	Upload(ctx context.Context, in io.Reader, size int64, name, directoryID string, progress func(uploaded, total int64)) (string, error)
}

// ClientFactory builds an Upstream bound to a token
type ClientFactory func(token string) Upstream

// maxSessions bounds the session map.  A connect beyond the bound
// evicts the oldest session, which then falls back to pool tokens.
const maxSessions = 128

// session binds a connected UI client to its own upstream client
type session struct {
	client Upstream
	token  string
	seq    uint64 // creation order, for eviction
}

// Handlers owns the route implementations and their shared state
type Handlers struct {
	pool    *tokens.Pool
	factory ClientFactory
	scratch string

	sessionMu  sync.RWMutex
	sessions   map[string]*session
	sessionSeq uint64
}

// NewHandlers creates the gateway handlers.  scratchDir receives
// upload spool files and is created on demand.
func NewHandlers(pool *tokens.Pool, factory ClientFactory, scratchDir string) *Handlers {
	return &Handlers{
		pool:     pool,
		factory:  factory,
		scratch:  scratchDir,
		sessions: make(map[string]*session),
	}
}

// Register attaches all routes to the router
func (h *Handlers) Register(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/health", h.handleHealth)
	r.Get("/api/download/", h.handleDownload)
	r.Get("/api/folders", h.handleFolders)
	r.Get("/api/files", h.handleFiles)
	r.Post("/api/connect", h.handleConnect)
	r.Get("/api/browse/{id}", h.handleBrowse)
	r.Post("/api/upload", h.handleUpload)
	r.Post("/api/delete", h.handleDelete)
	r.Post("/api/create_folder", h.handleCreateFolder)
	r.Get("/api/token/get", h.handleTokenGet)
	r.Post("/api/token/report", h.handleTokenReport)
	r.Get("/api/token/stats", h.handleTokenStats)
	r.Post("/api/token/add", h.handleTokenAdd)
	r.Delete("/api/token/remove", h.handleTokenRemove)
}

// errNoToken is returned when the pool has no active token
var errNoToken = errors.New("没有可用的token")

// client returns the upstream client to use for this request: the
// session's dedicated client when the session_id cookie matches,
// otherwise a pool token drawn round-robin.
func (h *Handlers) client(r *http.Request) (Upstream, string, error) {
	if cookie, err := r.Cookie("session_id"); err == nil {
		h.sessionMu.RLock()
		s, ok := h.sessions[cookie.Value]
		h.sessionMu.RUnlock()
		if ok {
			return s.client, s.token, nil
		}
	}
	record, ok := h.pool.Acquire(tokens.StrategyRoundRobin)
	if !ok {
		return nil, "", errNoToken
	}
	return h.factory(record.Token), record.Token, nil
}

// reportSuccess relays a success to the pool, tolerating tokens that
// are not pool managed (session tokens added out of band).
func (h *Handlers) reportSuccess(token string) {
	if err := h.pool.ReportSuccess(token); err != nil && err != tokens.ErrNotFound {
		pan.Errorf(nil, "failed to report success: %v", err)
	}
}

// reportError relays an error to the pool
func (h *Handlers) reportError(token, message string) {
	if err := h.pool.ReportError(token, message); err != nil && err != tokens.ErrNotFound {
		pan.Errorf(nil, "failed to report error: %v", err)
	}
}

// fileJSON is the legacy wire shape of one remote node
type fileJSON struct {
	ID         string `json:"id"`
	Fid        string `json:"fid"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       int    `json:"type"`
	CreateTime string `json:"create_time"`
	FileType   string `json:"file_type"`
}

func toFileJSON(files []api.File) []fileJSON {
	out := make([]fileJSON, 0, len(files))
	for _, f := range files {
		out = append(out, fileJSON{
			ID:         f.ID,
			Fid:        f.Fid,
			Name:       f.Name,
			Size:       f.Size,
			Type:       f.Type,
			CreateTime: f.CreateTime,
			FileType:   f.FileType,
		})
	}
	return out
}

// handleDownload resolves a slash separated remote path to a direct
// download URL.  The path must have at least two segments - a bare
// filename in the root is not accepted by the legacy clients.
func (h *Handlers) handleDownload(w http.ResponseWriter, r *http.Request) {
	remotePath := strings.Trim(r.URL.Query().Get("url"), "/")
	if remotePath == "" {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "缺少url参数", "usage: /api/download/?url=folder/file")
		return
	}
	if len(strings.Split(remotePath, "/")) < 2 {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "url格式错误", "path must contain a folder and a file")
		return
	}
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	file, err := client.FindFile(r.Context(), remotePath)
	if err != nil {
		h.reportError(token, err.Error())
		if errors.Is(err, wopan.ErrFileNotFound) {
			writeFail(w, http.StatusNotFound, legacyFailCode, "文件未找到", remotePath)
		} else {
			writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		}
		return
	}
	h.reportSuccess(token)
	if file.Fid == "" {
		h.reportError(token, "file has no fid")
		writeFail(w, http.StatusInternalServerError, legacyFailCode, "文件没有fid", remotePath)
		return
	}
	urls, err := client.GetDownloadURLs(r.Context(), []string{file.Fid})
	if err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	if len(urls) == 0 || urls[0].DownloadURL == "" {
		h.reportError(token, "empty download url")
		writeFail(w, http.StatusInternalServerError, legacyFailCode, "获取下载链接失败", remotePath)
		return
	}
	h.reportSuccess(token)
	writeOK(w, map[string]interface{}{"url": urls[0].DownloadURL})
}

// handleFolders lists the names of the root level directories
func (h *Handlers) handleFolders(w http.ResponseWriter, r *http.Request) {
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	files, err := client.ListChildren(r.Context(), wopan.RootID)
	if err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	h.reportSuccess(token)
	names := []string{}
	for _, f := range files {
		if f.IsDir() {
			names = append(names, f.Name)
		}
	}
	writeOK(w, map[string]interface{}{"success": true, "data": names, "count": len(names)})
}

// handleFiles lists the first level children of a named root directory
func (h *Handlers) handleFiles(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "缺少folder参数", "")
		return
	}
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	rootFiles, err := client.ListChildren(r.Context(), wopan.RootID)
	if err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	var dirID string
	for _, f := range rootFiles {
		if f.IsDir() && f.Name == folder {
			dirID = f.ID
			break
		}
	}
	if dirID == "" {
		h.reportError(token, "folder not found: "+folder)
		writeFail(w, http.StatusNotFound, legacyFailCode, "文件夹未找到", folder)
		return
	}
	files, err := client.ListChildren(r.Context(), dirID)
	if err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	h.reportSuccess(token)
	writeOK(w, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"folder":     folder,
			"file_count": len(files),
			"files":      toFileJSON(files),
		},
	})
}

// handleConnect validates a token by listing the account root and
// binds a session to it
func (h *Handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "缺少token", "")
		return
	}
	client := h.factory(req.Token)
	files, err := client.ListChildren(r.Context(), wopan.RootID)
	if err != nil {
		writeFail(w, http.StatusUnauthorized, legacyFailCode, "Token无效: "+err.Error(), "")
		return
	}
	sessionID := uuid.New().String()
	h.sessionMu.Lock()
	if len(h.sessions) >= maxSessions {
		var oldestID string
		oldestSeq := uint64(0)
		for id, s := range h.sessions {
			if oldestID == "" || s.seq < oldestSeq {
				oldestID = id
				oldestSeq = s.seq
			}
		}
		delete(h.sessions, oldestID)
	}
	h.sessionSeq++
	h.sessions[sessionID] = &session{client: client, token: req.Token, seq: h.sessionSeq}
	h.sessionMu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
	})
	writeOK(w, map[string]interface{}{
		"success":           true,
		"message":           "连接成功",
		"session_id":        sessionID,
		"files":             toFileJSON(files),
		"current_folder_id": wopan.RootID,
		"current_path":      "根目录",
	})
}

// handleBrowse lists the children of a directory by id
func (h *Handlers) handleBrowse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	files, err := client.ListChildren(r.Context(), id)
	if err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	h.reportSuccess(token)
	writeOK(w, map[string]interface{}{
		"success":           true,
		"files":             toFileJSON(files),
		"current_folder_id": id,
	})
}

// uploadResult is the per-file outcome of /api/upload
type uploadResult struct {
	Filename string `json:"filename"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

// handleUpload spools each multipart file to the scratch directory and
// runs an upload job into folder_id
func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "解析上传表单失败: "+err.Error(), "")
		return
	}
	folderID := r.FormValue("folder_id")
	if folderID == "" {
		folderID = wopan.RootID
	}
	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		parts = r.MultipartForm.File["files[]"]
	}
	if len(parts) == 0 {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "没有上传文件", "")
		return
	}
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	if err := os.MkdirAll(h.scratch, 0700); err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, "创建临时目录失败: "+err.Error(), "")
		return
	}
	results := make([]uploadResult, 0, len(parts))
	okCount := 0
	for _, part := range parts {
		name := filepath.Base(filepath.Clean(part.Filename))
		if name == "." || name == string(filepath.Separator) || name == "" {
			results = append(results, uploadResult{Filename: part.Filename, Success: false, Message: "非法文件名"})
			continue
		}
		scratchPath := filepath.Join(h.scratch, uuid.New().String()+"_"+name)
		err := h.spoolAndUpload(r.Context(), client, part, scratchPath, name, folderID)
		if err != nil {
			h.reportError(token, err.Error())
			results = append(results, uploadResult{Filename: name, Success: false, Message: err.Error()})
			continue
		}
		h.reportSuccess(token)
		okCount++
		results = append(results, uploadResult{Filename: name, Success: true, Message: "上传成功"})
	}
	writeOK(w, map[string]interface{}{
		"success": okCount > 0,
		"message": fmt.Sprintf("上传完成: 成功 %d/%d", okCount, len(parts)),
		"results": results,
	})
}

// spoolAndUpload copies one multipart file to scratchPath, uploads it
// as a single item job and removes the scratch file afterwards
func (h *Handlers) spoolAndUpload(ctx context.Context, client Upstream, part *multipart.FileHeader, scratchPath, name, folderID string) (err error) {
	src, err := part.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open upload part")
	}
	defer func() {
		_ = src.Close()
	}()
	dst, err := os.Create(scratchPath)
	if err != nil {
		return errors.Wrap(err, "failed to create scratch file")
	}
	defer func() {
		_ = os.Remove(scratchPath)
	}()
	_, err = io.Copy(dst, src)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrap(err, "failed to spool upload")
	}
	job, err := uploader.NewJob(client, scratchPath, folderID)
	if err != nil {
		return err
	}
	job.Run(ctx)
	for _, item := range job.Items() {
		if item.State != uploader.StateSuccess {
			return errors.Errorf("upload of %q failed: %s", name, item.Err)
		}
	}
	return nil
}

// handleDelete removes one file or directory
func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID   string `json:"file_id"`
		IsFolder bool   `json:"is_folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileID == "" {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "缺少file_id", "")
		return
	}
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	var dirIDs, fileIDs []string
	if req.IsFolder {
		dirIDs = []string{req.FileID}
	} else {
		fileIDs = []string{req.FileID}
	}
	if err := client.Delete(r.Context(), dirIDs, fileIDs); err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	h.reportSuccess(token)
	writeOK(w, map[string]interface{}{"success": true, "message": "删除成功"})
}

// handleCreateFolder creates a directory under parent_id
func (h *Handlers) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FolderName string `json:"folder_name"`
		ParentID   string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FolderName == "" {
		writeFail(w, http.StatusBadRequest, legacyFailCode, "缺少folder_name", "")
		return
	}
	if req.ParentID == "" {
		req.ParentID = wopan.RootID
	}
	client, token, err := h.client(r)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	id, err := client.CreateDirectory(r.Context(), req.ParentID, req.FolderName)
	if err != nil {
		h.reportError(token, err.Error())
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	h.reportSuccess(token)
	writeOK(w, map[string]interface{}{"success": true, "message": "创建成功", "folder_id": id})
}

// handleTokenGet exposes pool acquisition to peer processes
func (h *Handlers) handleTokenGet(w http.ResponseWriter, r *http.Request) {
	strategy := tokens.Strategy(r.URL.Query().Get("strategy"))
	if strategy == "" {
		strategy = tokens.StrategyRoundRobin
	}
	record, ok := h.pool.Acquire(strategy)
	if !ok {
		writeFail(w, http.StatusNotFound, http.StatusNotFound, errNoToken.Error(), "")
		return
	}
	writeOK(w, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"token": record.Token, "name": record.Name},
	})
}

// handleTokenReport relays a peer's call outcome to the pool
func (h *Handlers) handleTokenReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFail(w, http.StatusBadRequest, http.StatusBadRequest, "缺少token", "")
		return
	}
	var err error
	if req.Success {
		err = h.pool.ReportSuccess(req.Token)
	} else {
		err = h.pool.ReportError(req.Token, req.Error)
	}
	if err != nil {
		writeFail(w, http.StatusNotFound, http.StatusNotFound, err.Error(), "")
		return
	}
	writeOK(w, map[string]interface{}{"success": true, "message": "报告已记录"})
}

// handleTokenStats returns a pool snapshot
func (h *Handlers) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"success": true, "data": h.pool.Stats()})
}

// handleTokenAdd adds a token to the pool
func (h *Handlers) handleTokenAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFail(w, http.StatusBadRequest, http.StatusBadRequest, "缺少token", "")
		return
	}
	if req.Name == "" {
		req.Name = "Token-" + req.Token[:min(8, len(req.Token))]
	}
	if err := h.pool.Add(req.Token, req.Name); err != nil {
		if err == tokens.ErrDuplicate {
			writeFail(w, http.StatusConflict, http.StatusConflict, "Token已存在", "")
			return
		}
		writeFail(w, http.StatusInternalServerError, legacyFailCode, err.Error(), "")
		return
	}
	writeOK(w, map[string]interface{}{"success": true, "message": "Token添加成功"})
}

// handleTokenRemove deletes a token from the pool
func (h *Handlers) handleTokenRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFail(w, http.StatusBadRequest, http.StatusBadRequest, "缺少token", "")
		return
	}
	if err := h.pool.Remove(req.Token); err != nil {
		writeFail(w, http.StatusNotFound, http.StatusNotFound, err.Error(), "")
		return
	}
	writeOK(w, map[string]interface{}{"success": true, "message": "Token删除成功"})
}

// handleHealth is the liveness probe
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   pan.ServiceName,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>{{ .Service }}</title></head>
<body>
<h1>{{ .Service }} {{ .Version }}</h1>
<ul>
{{ range .Endpoints }}<li><code>{{ . }}</code></li>
{{ end }}</ul>
</body>
</html>
`))

// handleIndex serves a minimal HTML index of the API surface
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, map[string]interface{}{
		"Service": pan.ServiceName,
		"Version": pan.Version,
		"Endpoints": []string{
			"GET /api/download/?url=folder/file",
			"GET /api/folders",
			"GET /api/files?folder=name",
			"POST /api/connect",
			"GET /api/browse/{id}",
			"POST /api/upload",
			"POST /api/delete",
			"POST /api/create_folder",
			"GET /api/token/get?strategy=round_robin|best",
			"POST /api/token/report",
			"GET /api/token/stats",
			"POST /api/token/add",
			"DELETE /api/token/remove",
			"GET /health",
		},
	})
	if err != nil {
		pan.Errorf(nil, "failed to render index: %v", err)
	}
}
