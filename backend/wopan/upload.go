package wopan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/woclouds/wopan/backend/wopan/api"
	"github.com/woclouds/wopan/backend/wopan/wocrypt"
	"github.com/woclouds/wopan/lib/random"
	"github.com/woclouds/wopan/lib/rest"
)

const (
	// ChunkSize is the fixed part size of the upload2C endpoint
	ChunkSize = 32 * 1024 * 1024

	uploadPath = "/openapi/client/upload2C"

	// uploadChannel is the channel form field of upload2C.  Note that
	// fileInfo is still encrypted on the "wohome" channel.
	uploadChannel = "wocloud"
)

// fileTypeGroups classifies a file by its extension for the fileInfo
// envelope.  The dispatcher uses the class for preview handling.
var fileTypeGroups = map[string][]string{
	"video": {"mp4", "avi", "mkv", "mov", "wmv", "flv", "webm"},
	"image": {"jpg", "jpeg", "png", "gif", "bmp", "webp"},
	"audio": {"mp3", "wav", "flac", "aac", "ogg"},
	"text":  {"pdf", "doc", "docx", "txt", "xlsx", "ppt", "pptx"},
	"zip":   {"zip", "rar", "7z", "tar", "gz"},
}

// FileType classifies name by its final dot-suffix, case-insensitively
func FileType(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	for class, exts := range fileTypeGroups {
		for _, e := range exts {
			if ext == e {
				return class
			}
		}
	}
	return "other"
}

// fileInfoParam is encrypted into the fileInfo form field
type fileInfoParam struct {
	SpaceType   string `json:"spaceType"`
	DirectoryID string `json:"directoryId"`
	BatchNo     string `json:"batchNo"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
}

// Upload sends the contents of in (size bytes) to directoryID as a
// file called name, in 32 MiB parts.  A zero length file is sent as a
// single empty part.
//
// progress, if non-nil, is called at every part boundary with the
// bytes uploaded so far and the total.  The returned fid is the one
// from the terminal part; the upstream sometimes includes it earlier
// and the last seen value wins.
func (c *Client) Upload(ctx context.Context, in io.Reader, size int64, name, directoryID string, progress func(uploaded, total int64)) (string, error) {
	totalPart := int((size + ChunkSize - 1) / ChunkSize)
	if totalPart == 0 {
		totalPart = 1
	}
	uniqueID := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), random.String(6))
	batchNo := time.Now().Format("20060102150405")
	info, err := json.Marshal(fileInfoParam{
		SpaceType:   spaceTypePersonal,
		DirectoryID: directoryID,
		BatchNo:     batchNo,
		FileName:    name,
		FileSize:    size,
		FileType:    FileType(name),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal fileInfo")
	}
	fileInfo := wocrypt.Encrypt(string(info), channel, c.AccessKey())

	buf := make([]byte, ChunkSize)
	var fid string
	var uploaded int64
	for part := 1; part <= totalPart; part++ {
		want := size - uploaded
		if want > ChunkSize {
			want = ChunkSize
		}
		chunk := buf[:want]
		if want > 0 {
			if _, err := io.ReadFull(in, chunk); err != nil {
				return "", errors.Wrapf(err, "failed to read part %d/%d of %q", part, totalPart, name)
			}
		}
		partFid, err := c.uploadChunk(ctx, chunk, uploadParams{
			uniqueID:    uniqueID,
			fileName:    name,
			fileSize:    size,
			totalPart:   totalPart,
			directoryID: directoryID,
			fileInfo:    fileInfo,
			partIndex:   part,
		})
		if err != nil {
			return "", errors.Wrapf(err, "part %d/%d of %q failed", part, totalPart, name)
		}
		if partFid != "" {
			fid = partFid
		}
		uploaded += want
		if progress != nil {
			progress(uploaded, size)
		}
	}
	if fid == "" {
		return "", errors.Errorf("upload of %q finished but upstream returned no fid", name)
	}
	return fid, nil
}

// uploadParams are the per-file constants of an upload2C transaction
type uploadParams struct {
	uniqueID    string
	fileName    string
	fileSize    int64
	totalPart   int
	directoryID string
	fileInfo    string
	partIndex   int
}

// uploadChunk POSTs a single multipart part, retrying transport level
// failures and the usual retriable status codes.  It returns the fid
// if the response carries one.
func (c *Client) uploadChunk(ctx context.Context, chunk []byte, p uploadParams) (string, error) {
	params := url.Values{
		"uniqueId":    {p.uniqueID},
		"accessToken": {c.Token()},
		"fileName":    {p.fileName},
		"psToken":     {"undefined"},
		"fileSize":    {strconv.FormatInt(p.fileSize, 10)},
		"totalPart":   {strconv.Itoa(p.totalPart)},
		"channel":     {uploadChannel},
		"directoryId": {p.directoryID},
		"fileInfo":    {p.fileInfo},
		"partSize":    {strconv.Itoa(len(chunk))},
		"partIndex":   {strconv.Itoa(p.partIndex)},
	}
	c.upTokens.Get()
	defer c.upTokens.Put()
	var result api.UploadResponse
	var resp *http.Response
	err := c.upPacer.Call(func() (bool, error) {
		// The multipart body is consumed per attempt so it is rebuilt
		// inside the retry loop.
		opts := rest.Opts{
			Method:               "POST",
			Path:                 uploadPath,
			Body:                 bytes.NewReader(chunk),
			MultipartParams:      params,
			MultipartContentName: "file",
			MultipartFileName:    p.fileName,
		}
		result = api.UploadResponse{}
		var err error
		resp, err = c.upSrv.CallJSON(ctx, &opts, nil, &result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return "", err
	}
	if !result.OK() {
		return "", errors.Errorf("upload rejected: code %s: %s", result.Code, result.Msg)
	}
	return result.Data.Fid, nil
}
