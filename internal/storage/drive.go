package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveConfig configures the Google Drive backend.
type DriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	RootFolderID string

	// OnRetry is called each time a request is retried after a 401.
	OnRetry func()
}

// invalidatingTokenSource is a TokenSource whose cached token can be dropped.
type invalidatingTokenSource interface {
	oauth2.TokenSource
	Invalidate()
}

// DriveStore keeps objects in Google Drive below a root folder.
type DriveStore struct {
	svc     *drive.Service
	tokens  invalidatingTokenSource
	root    string
	onRetry func()
	log     *zap.Logger

	mu      sync.Mutex
	folders map[string]string
}

// NewDriveStore authorises with the refresh token flow.
func NewDriveStore(ctx context.Context, cfg DriveConfig, log *zap.Logger) (*DriveStore, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" || cfg.RootFolderID == "" {
		return nil, fmt.Errorf("drive: %w", ErrConfig)
	}
	ts, err := newRefreshingTokenSource(context.Background(), driveOAuthConfig(cfg.ClientID, cfg.ClientSecret, drive.DriveScope), cfg.RefreshToken)
	if err != nil {
		return nil, err
	}
	return newDriveStore(ctx, ts, cfg, log)
}

func newDriveStore(ctx context.Context, ts invalidatingTokenSource, cfg DriveConfig, log *zap.Logger, opts ...option.ClientOption) (*DriveStore, error) {
	// The transport asks ts for a token on every request, so Invalidate
	// takes effect on the very next call.
	client := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport}}
	svc, err := drive.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DriveStore{
		svc:     svc,
		tokens:  ts,
		root:    cfg.RootFolderID,
		onRetry: cfg.OnRetry,
		log:     log,
		folders: map[string]string{"": cfg.RootFolderID},
	}, nil
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// withAuthRetry runs call and, if Drive answers 401, forces a token refresh
// and runs it exactly once more. Any other error is returned unchanged.
func (d *DriveStore) withAuthRetry(ctx context.Context, op string, call func() error) error {
	err := call()
	if err == nil || !isUnauthorized(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	d.log.Warn("drive rejected token, refreshing", zap.String("op", op), zap.Error(err))
	d.tokens.Invalidate()
	if d.onRetry != nil {
		d.onRetry()
	}
	return call()
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// folderID resolves a slash separated path below the root, creating missing
// folders on the way.
func (d *DriveStore) folderID(ctx context.Context, folder string) (string, error) {
	folder = strings.Trim(folder, "/")

	d.mu.Lock()
	id, ok := d.folders[folder]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	parent := d.root
	walked := ""
	for _, seg := range strings.Split(folder, "/") {
		if seg == "" {
			continue
		}
		if walked == "" {
			walked = seg
		} else {
			walked += "/" + seg
		}

		d.mu.Lock()
		cached, ok := d.folders[walked]
		d.mu.Unlock()
		if ok {
			parent = cached
			continue
		}

		next, err := d.findOrCreateFolder(ctx, parent, seg)
		if err != nil {
			return "", fmt.Errorf("resolve folder %s: %w", walked, err)
		}
		d.mu.Lock()
		d.folders[walked] = next
		d.mu.Unlock()
		parent = next
	}
	return parent, nil
}

func (d *DriveStore) findOrCreateFolder(ctx context.Context, parent, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), folderMimeType, escapeQuery(parent))

	var list *drive.FileList
	err := d.withAuthRetry(ctx, "folder.list", func() error {
		var err error
		list, err = d.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).
			SupportsAllDrives(true).IncludeItemsFromAllDrives(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	var created *drive.File
	err = d.withAuthRetry(ctx, "folder.create", func() error {
		var err error
		created, err = d.svc.Files.Create(&drive.File{
			Name:     name,
			MimeType: folderMimeType,
			Parents:  []string{parent},
		}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// spoolThreshold is how much of a replayed upload is kept in memory before
// it spills to a temp file.
const spoolThreshold = 8 << 20

// rewindable returns a reader that can be replayed for the retry. Seekable
// readers are used as they are. Others are recorded as they are consumed.
func rewindable(r io.Reader) (io.ReadSeeker, func()) {
	if rs, ok := r.(io.ReadSeeker); ok {
		if _, err := rs.Seek(0, io.SeekCurrent); err == nil {
			return rs, func() {}
		}
	}
	rr := &replayReader{src: r, limit: spoolThreshold}
	return rr, rr.close
}

// replayReader records the bytes it passes on, so Seek(0, io.SeekStart)
// can replay them before reading on from src. The record lives in memory
// until it outgrows limit.
type replayReader struct {
	src      io.Reader
	limit    int
	mem      []byte
	file     *os.File
	recorded int64
	pos      int64
}

func (rr *replayReader) Read(p []byte) (int, error) {
	if rr.pos < rr.recorded {
		var n int
		var err error
		if rr.file != nil {
			n, err = rr.file.ReadAt(p[:min(int64(len(p)), rr.recorded-rr.pos)], rr.pos)
		} else {
			n = copy(p, rr.mem[rr.pos:])
		}
		rr.pos += int64(n)
		return n, err
	}

	n, err := rr.src.Read(p)
	if n > 0 {
		if werr := rr.record(p[:n]); werr != nil {
			return 0, werr
		}
		rr.pos += int64(n)
	}
	return n, err
}

func (rr *replayReader) record(b []byte) error {
	if rr.file == nil && len(rr.mem)+len(b) > rr.limit {
		f, err := os.CreateTemp("", "planner-upload-*")
		if err != nil {
			return fmt.Errorf("create spool file: %w", err)
		}
		rr.file = f
		if _, err := f.Write(rr.mem); err != nil {
			return fmt.Errorf("spool upload: %w", err)
		}
		rr.mem = nil
	}
	if rr.file != nil {
		if _, err := rr.file.Write(b); err != nil {
			return fmt.Errorf("spool upload: %w", err)
		}
	} else {
		rr.mem = append(rr.mem, b...)
	}
	rr.recorded += int64(len(b))
	return nil
}

func (rr *replayReader) Seek(offset int64, whence int) (int64, error) {
	switch {
	case offset == 0 && whence == io.SeekStart:
		rr.pos = 0
	case offset == 0 && whence == io.SeekCurrent:
	default:
		return 0, errors.New("replay reader: only rewinding is supported")
	}
	return rr.pos, nil
}

func (rr *replayReader) close() {
	if rr.file != nil {
		_ = rr.file.Close()
		_ = os.Remove(rr.file.Name())
	}
}

func (d *DriveStore) Put(ctx context.Context, folder, name, contentType string, r io.Reader) (Object, error) {
	parent, err := d.folderID(ctx, folder)
	if err != nil {
		return Object{}, err
	}
	body, cleanup := rewindable(r)
	defer cleanup()

	var created *drive.File
	err = d.withAuthRetry(ctx, "put", func() error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var err error
		created, err = d.svc.Files.Create(&drive.File{
			Name:     name,
			MimeType: contentType,
			Parents:  []string{parent},
		}).Media(body, googleapi.ContentType(contentType)).
			Fields("id, name, size, mimeType").SupportsAllDrives(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return Object{}, fmt.Errorf("drive put: %w", err)
	}
	return Object{ID: created.Id, Name: created.Name, Size: created.Size, ContentType: created.MimeType}, nil
}

func (d *DriveStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	var resp *http.Response
	err := d.withAuthRetry(ctx, "get", func() error {
		var err error
		resp, err = d.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("drive get: %w", err)
	}
	return resp.Body, nil
}

func (d *DriveStore) Delete(ctx context.Context, id string) error {
	err := d.withAuthRetry(ctx, "delete", func() error {
		return d.svc.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do()
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("drive delete: %w", err)
	}
	return nil
}

// Ping checks that the root folder is reachable with the current credentials.
func (d *DriveStore) Ping(ctx context.Context) error {
	return d.withAuthRetry(ctx, "ping", func() error {
		_, err := d.svc.Files.Get(d.root).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
		return err
	})
}
