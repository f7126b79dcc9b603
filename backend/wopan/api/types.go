// Package api provides types for the Wo Cloud dispatcher API
package api

import "fmt"

// RequestHeader is the signed header carried inside every dispatcher
// request.  Sign is hex(md5(key + resTime + reqSeq + channel + version)).
type RequestHeader struct {
	Key     string `json:"key"`     // operation name, eg "QueryAllFiles"
	ResTime int64  `json:"resTime"` // Unix milliseconds
	ReqSeq  int    `json:"reqSeq"`  // random in [100000, 108999]
	Channel string `json:"channel"` // "wohome"
	Sign    string `json:"sign"`
	Version string `json:"version"` // always ""
}

// RequestBody carries the encrypted operation parameters.  Operations
// without parameters send exactly {"secret":true}.
type RequestBody struct {
	Param  string `json:"param,omitempty"` // Encrypt(compact JSON of the params)
	Secret bool   `json:"secret"`
}

// Request is the JSON document POSTed to the dispatcher
type Request struct {
	Header RequestHeader `json:"header"`
	Body   RequestBody   `json:"body"`
}

// Response is the dispatcher envelope.  DATA is ciphertext which
// decrypts to the operation result.
type Response struct {
	Status string `json:"STATUS"`
	Msg    string `json:"MSG"`
	Rsp    struct {
		RspCode string `json:"RSP_CODE"`
		RspDesc string `json:"RSP_DESC"`
		Data    string `json:"DATA"`
	} `json:"RSP"`
}

// OK reports whether the envelope carries a successful result
func (r *Response) OK() bool {
	return r.Status == "200" && r.Rsp.RspCode == "0000"
}

// Err turns an unsuccessful envelope into an error
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Status != "200" {
		return fmt.Errorf("dispatcher error: STATUS %s: %s", r.Status, r.Msg)
	}
	return fmt.Errorf("dispatcher error: RSP_CODE %s: %s", r.Rsp.RspCode, r.Rsp.RspDesc)
}

// QueryAllFilesParam lists a page of a directory
type QueryAllFilesParam struct {
	SpaceType         string `json:"spaceType"` // "0" personal, "1" family
	ParentDirectoryID string `json:"parentDirectoryId"`
	PageNum           int    `json:"pageNum"`
	PageSize          int    `json:"pageSize"`
	SortRule          int    `json:"sortRule"`
	ClientID          string `json:"clientId"`
}

// File represents a file or directory item from QueryAllFiles
type File struct {
	ID         string `json:"id"`   // set for directories
	Fid        string `json:"fid"`  // set for files
	Name       string `json:"name"`
	Type       int    `json:"type"` // 0=folder, 1=file
	Size       int64  `json:"size"`
	CreateTime string `json:"createTime"` // YYYYMMDDHHMMSS
	FileType   string `json:"fileType"`
}

// IsDir returns true if the item is a directory
func (f *File) IsDir() bool {
	return f.Type == 0
}

// QueryAllFilesData is the decrypted DATA of QueryAllFiles
type QueryAllFilesData struct {
	Files []File `json:"files"`
}

// GetDownloadURLV2Param requests download URLs for a batch of fids
type GetDownloadURLV2Param struct {
	Type     string   `json:"type"` // "1" download
	FidList  []string `json:"fidList"`
	ClientID string   `json:"clientId"`
}

// DownloadURL is one entry of the GetDownloadUrlV2 result list
type DownloadURL struct {
	Fid         string `json:"fid"`
	DownloadURL string `json:"downloadUrl"`
}

// GetDownloadURLV2Data is the decrypted DATA of GetDownloadUrlV2
type GetDownloadURLV2Data struct {
	List []DownloadURL `json:"list"`
}

// GetDownloadURLParam is the legacy single fid download request
type GetDownloadURLParam struct {
	Fid      string `json:"fid"`
	ClientID string `json:"clientId"`
}

// GetDownloadURLData is the decrypted DATA of the legacy GetDownloadUrl
type GetDownloadURLData struct {
	URL string `json:"url"`
}

// CreateDirectoryParam makes a directory under parentDirectoryId
type CreateDirectoryParam struct {
	SpaceType         string `json:"spaceType"`
	ParentDirectoryID string `json:"parentDirectoryId"`
	DirectoryName     string `json:"directoryName"`
	ClientID          string `json:"clientId"`
	FamilyID          string `json:"familyId"` // "" for personal space
}

// CreateDirectoryData is the decrypted DATA of CreateDirectory
type CreateDirectoryData struct {
	ID string `json:"id"`
}

// DeleteFileParam removes directories and files in one call
type DeleteFileParam struct {
	SpaceType string   `json:"spaceType"`
	VipLevel  string   `json:"vipLevel"` // "0"
	DirList   []string `json:"dirList"`
	FileList  []string `json:"fileList"`
	ClientID  string   `json:"clientId"`
}

// UploadResponse is returned by the upload endpoint for each part.
// It is plain JSON, not enveloped.
type UploadResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fid string `json:"fid"`
	} `json:"data"`
}

// OK reports whether the part was accepted
func (r *UploadResponse) OK() bool {
	return r.Code == "0000"
}
