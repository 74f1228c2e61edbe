package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"changeover-planner/internal/access"
	"changeover-planner/internal/planning"
)

const defaultMaxUploadBytes = 25 << 20

func (s *Server) maxUploadBytes() int64 {
	if s.cfg.Upload.MaxBytes <= 0 {
		return defaultMaxUploadBytes
	}
	return s.cfg.Upload.MaxBytes
}

// readErrRecorder remembers the first read error of the upload stream, so
// an oversized body can be told apart from a store failure.
type readErrRecorder struct {
	r   io.Reader
	err error
}

func (rr *readErrRecorder) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if err != nil && err != io.EOF && rr.err == nil {
		rr.err = err
	}
	return n, err
}

// handleUpload streams the "file" part of a multipart body to the document
// store as proof for one process.
//
// Query parameter kind: documentation or a3.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	planID, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	no, err := strconv.Atoi(r.PathValue("no"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid process number"})
		return
	}
	kind, err := planning.ParseFileKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes())
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "expected multipart/form-data"})
		return
	}

	var part io.ReadCloser
	var name, declared string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "file too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad multipart"})
			return
		}
		if p.FormName() != "file" {
			_ = p.Close()
			continue
		}
		part, name, declared = p, p.FileName(), p.Header.Get("Content-Type")
		break
	}
	if part == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file"})
		return
	}
	defer func() { _ = part.Close() }()

	name = SanitizeFilename(name)
	if err := ValidateUploadMimeType(name, declared); err != nil {
		s.metrics.RecordUpload(string(kind), false)
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: err.Error()})
		return
	}

	p := principalFrom(r.Context())
	body := &readErrRecorder{r: part}
	f, err := s.plans.Upload(r.Context(), p.Scope(), planning.UploadInput{
		PlanID:      planID,
		ProcessNo:   no,
		Kind:        kind,
		Name:        name,
		ContentType: contentTypeFor(name, declared),
		UserID:      p.UserID,
		Body:        body,
	})
	s.metrics.RecordUpload(string(kind), err == nil)
	s.auditResult(r, access.AuditFileUpload, "plan:"+strconv.FormatInt(planID, 10), map[string]any{
		"process_no": no,
		"kind":       kind,
		"name":       name,
	}, err)

	var mbe *http.MaxBytesError
	if err != nil && errors.As(body.err, &mbe) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "file too large"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.log.Info("file_uploaded",
		zap.String("rid", RequestIDFromContext(r.Context())),
		zap.String("file_id", f.ID),
		zap.Int64("plan_id", planID),
		zap.Int("process_no", no),
		zap.Int64("size", f.SizeBytes))
	writeJSON(w, http.StatusCreated, f)
}
