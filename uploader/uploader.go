// Package uploader drives whole-path uploads: it splits a local file
// or directory tree into items, materialises the matching remote
// directory structure exactly once per path, and runs the per-file
// chunk uploads with bounded parallelism.
package uploader

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/woclouds/wopan/pan"
	"golang.org/x/sync/errgroup"
)

// MaxParallel is the ceiling on concurrent file uploads within one
// job.  The upstream tolerates little more than two streams per
// account before it starts throttling.
const MaxParallel = 2

// State of one item in a job
type State string

// Item states
const (
	StateWaiting   State = "waiting"
	StateUploading State = "uploading"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
)

// Remote is the part of the upstream client the uploader needs
type Remote interface {
	CreateDirectory(ctx context.Context, parentID, name string) (string, error)
	Upload(ctx context.Context, in io.Reader, size int64, name, directoryID string, progress func(uploaded, total int64)) (string, error)
}

// Item is one local file queued for upload.  RelPath uses forward
// slash separators whatever the platform.
type Item struct {
	AbsPath  string `json:"abs_path"`
	RelPath  string `json:"rel_path"`
	Size     int64  `json:"size"`
	State    State  `json:"state"`
	Progress int    `json:"progress"` // 0..100
	Err      string `json:"error,omitempty"`
	Fid      string `json:"fid,omitempty"`
}

// Job uploads a set of items into one remote parent directory.
//
// dirCache maps remote-relative directory paths to materialised
// directory ids.  It is append-only for the life of the job and
// guarded by mu, as is all item state.
type Job struct {
	remote   Remote
	parentID string

	mu       sync.Mutex
	items    []*Item
	dirCache map[string]string
}

// NewJob builds a job for localPath targeting the remote directory
// remoteParentID.  A regular file becomes a single item named by its
// basename; a directory is walked deterministically and every regular
// file inside becomes an item with its slash separated relative path.
func NewJob(remote Remote, localPath, remoteParentID string) (*Job, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %q", localPath)
	}
	j := &Job{
		remote:   remote,
		parentID: remoteParentID,
		dirCache: map[string]string{"": remoteParentID},
	}
	if !info.IsDir() {
		j.items = append(j.items, &Item{
			AbsPath: localPath,
			RelPath: filepath.Base(localPath),
			Size:    info.Size(),
			State:   StateWaiting,
		})
		return j, nil
	}
	err = filepath.WalkDir(localPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		j.items = append(j.items, &Item{
			AbsPath: path,
			RelPath: filepath.ToSlash(rel),
			Size:    fi.Size(),
			State:   StateWaiting,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk %q", localPath)
	}
	sort.Slice(j.items, func(a, b int) bool { return j.items[a].RelPath < j.items[b].RelPath })
	return j, nil
}

// ensureDirectory walks the directory part of relPath segment by
// segment, creating missing remote directories and caching their ids.
// It is serialised on the job mutex so items sharing a prefix never
// race to create the same directory.
func (j *Job) ensureDirectory(ctx context.Context, relPath string) (string, error) {
	dir := ""
	if i := strings.LastIndex(relPath, "/"); i >= 0 {
		dir = relPath[:i]
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if id, ok := j.dirCache[dir]; ok {
		return id, nil
	}
	currentID := j.dirCache[""]
	current := ""
	for _, segment := range strings.Split(dir, "/") {
		if current == "" {
			current = segment
		} else {
			current = current + "/" + segment
		}
		if id, ok := j.dirCache[current]; ok {
			currentID = id
			continue
		}
		id, err := j.remote.CreateDirectory(ctx, currentID, segment)
		if err != nil {
			return "", errors.Wrapf(err, "failed to create remote directory %q", current)
		}
		j.dirCache[current] = id
		currentID = id
	}
	return currentID, nil
}

// setState records an item transition under the job mutex
func (j *Job) setState(item *Item, state State, errMsg string) {
	j.mu.Lock()
	item.State = state
	item.Err = errMsg
	if state == StateSuccess {
		item.Progress = 100
	}
	j.mu.Unlock()
}

// runItem uploads one item to its materialised directory.  Failures
// are terminal for the item only - peers keep running.
func (j *Job) runItem(ctx context.Context, item *Item) {
	j.setState(item, StateUploading, "")
	dirID, err := j.ensureDirectory(ctx, item.RelPath)
	if err != nil {
		pan.Errorf(item.RelPath, "upload failed: %v", err)
		j.setState(item, StateFailed, err.Error())
		return
	}
	in, err := os.Open(item.AbsPath)
	if err != nil {
		pan.Errorf(item.RelPath, "upload failed: %v", err)
		j.setState(item, StateFailed, err.Error())
		return
	}
	defer func() {
		_ = in.Close()
	}()
	name := item.RelPath
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	fid, err := j.remote.Upload(ctx, in, item.Size, name, dirID, func(uploaded, total int64) {
		j.mu.Lock()
		if total > 0 {
			item.Progress = int(uploaded * 100 / total)
		} else {
			item.Progress = 100
		}
		j.mu.Unlock()
	})
	if err != nil {
		pan.Errorf(item.RelPath, "upload failed: %v", err)
		j.setState(item, StateFailed, err.Error())
		return
	}
	j.mu.Lock()
	item.State = StateSuccess
	item.Progress = 100
	item.Fid = fid
	j.mu.Unlock()
	pan.Infof(item.RelPath, "uploaded (%d bytes)", item.Size)
}

// Run uploads every item and returns when all of them have reached a
// terminal state.  If the parallel executor itself fails the
// remaining items are uploaded sequentially - a single file's failure
// never triggers that fallback.
func (j *Job) Run(ctx context.Context) {
	if err := j.runParallel(ctx); err != nil {
		pan.Errorf(j, "parallel upload unavailable (%v), falling back to sequential", err)
		j.runSequential(ctx)
	}
}

// runParallel runs the items on a bounded errgroup.  A panic while
// dispatching is converted into an error so Run can degrade.
func (j *Job) runParallel(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("executor panic: %v", r)
		}
	}()
	g, gCtx := errgroup.WithContext(ctx)
	limit := MaxParallel
	if len(j.items) < limit {
		limit = len(j.items)
	}
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, item := range j.items {
		item := item
		g.Go(func() error {
			j.runItem(gCtx, item)
			return nil
		})
	}
	return g.Wait()
}

// runSequential uploads every item that has not yet reached a
// terminal state, one at a time.
func (j *Job) runSequential(ctx context.Context) {
	for _, item := range j.items {
		j.mu.Lock()
		done := item.State == StateSuccess || item.State == StateFailed
		j.mu.Unlock()
		if done {
			continue
		}
		j.runItem(ctx, item)
	}
}

// Items returns a snapshot of the job's items
func (j *Job) Items() []Item {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Item, 0, len(j.items))
	for _, item := range j.items {
		out = append(out, *item)
	}
	return out
}

// Total returns the number of items in the job
func (j *Job) Total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items)
}

// Completed returns the number of items in a terminal state
func (j *Job) Completed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, item := range j.items {
		if item.State == StateSuccess || item.State == StateFailed {
			n++
		}
	}
	return n
}

// String converts this Job to a string for logging
func (j *Job) String() string {
	return "upload job"
}
