// Package wopan provides a client for the Wo Cloud (联通网盘) dispatcher
// and upload APIs.
package wopan

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/woclouds/wopan/backend/wopan/api"
	"github.com/woclouds/wopan/backend/wopan/wocrypt"
	"github.com/woclouds/wopan/lib/dircache"
	"github.com/woclouds/wopan/lib/pacer"
	"github.com/woclouds/wopan/lib/rest"
	"github.com/woclouds/wopan/pan"
)

const (
	dispatcherRootURL = "https://panservice.mail.wo.cn/wohome"
	uploadRootURL     = "https://tjupload.pan.wo.cn"
	origin            = "https://pan.wo.cn"
	referer           = "https://pan.wo.cn/"

	// clientID identifies the web client to the dispatcher
	clientID = "1001000021"

	// channel routes dispatcher calls.  The crypto layer treats it as
	// the key selector too.
	channel = "wohome"

	// RootID is the id of the account root directory
	RootID = "0"

	spaceTypePersonal = "0"
	defaultPageSize   = 100
	defaultSortRule   = 1

	minSleep       = 100 * time.Millisecond
	maxSleep       = 2 * time.Second
	uploadMinSleep = 1 * time.Second
	uploadMaxSleep = 2 * time.Second

	// uploadRetries is the total number of attempts per chunk
	uploadRetries = 3
)

// retryErrorCodes is a slice of error codes that we will retry
var retryErrorCodes = []int{
	429, // Too Many Requests
	500, // Internal Server Error
	502, // Bad Gateway
	503, // Service Unavailable
	504, // Gateway Timeout
}

// ErrFileNotFound is returned when a path walk misses a segment
var ErrFileNotFound = errors.New("file not found")

// Client talks to the Wo Cloud upstream on behalf of one access token.
//
// It is safe for concurrent use.  The token may be rebound with
// SetToken; the directory cache is flushed when that happens because
// each token sees its own namespace.
type Client struct {
	srv      *rest.Client          // dispatcher connection
	upSrv    *rest.Client          // chunk upload connection
	pacer    *pacer.Pacer          // pacer for dispatcher calls
	upPacer  *pacer.Pacer          // pacer for chunk uploads
	upTokens *pacer.TokenDispenser // bounds in-flight chunk POSTs
	dirCache *dircache.DirCache    // path -> directory id

	tokenMu   sync.RWMutex
	token     string
	accessKey string
}

// New creates a Client bound to token using the http.Clients passed
// in.  Both clients are shared safely between Clients - see panhttp.
func New(token string, client, uploadClient *http.Client) *Client {
	c := &Client{
		srv:      rest.NewClient(client).SetRoot(dispatcherRootURL),
		upSrv:    rest.NewClient(uploadClient).SetRoot(uploadRootURL),
		pacer:    pacer.New(pacer.MinSleep(minSleep), pacer.MaxSleep(maxSleep)),
		upPacer:  pacer.New(pacer.MinSleep(uploadMinSleep), pacer.MaxSleep(uploadMaxSleep), pacer.Retries(uploadRetries)),
		upTokens: pacer.NewTokenDispenser(pan.Config.PoolIdleConns),
	}
	c.srv.SetHeader("Accept", "application/json")
	c.srv.SetHeader("Origin", origin)
	c.srv.SetHeader("Referer", referer)
	c.upSrv.SetHeader("Origin", origin)
	c.upSrv.SetHeader("Referer", referer)
	c.dirCache = dircache.New("", RootID, c)
	c.SetToken(token)
	return c
}

// SetToken rebinds the client to another access token
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.accessKey = wocrypt.AccessKey(token)
	c.tokenMu.Unlock()
	c.srv.SetHeader("Accesstoken", token)
	c.dirCache.ResetRoot()
}

// Token returns the currently bound access token
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// AccessKey returns the AES key derived from the bound token, or ""
func (c *Client) AccessKey() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessKey
}

// shouldRetry returns a boolean as to whether this resp and err
// deserve to be retried.  It returns the err as a convenience.
func shouldRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return pan.ShouldRetry(err) || pan.ShouldRetryHTTP(resp, retryErrorCodes), err
}

// call POSTs one framed operation to the dispatcher and decrypts the
// DATA into out (which may be nil for operations without a result).
func (c *Client) call(ctx context.Context, key string, param interface{}, out interface{}) error {
	request, err := c.newRequest(key, param)
	if err != nil {
		return err
	}
	opts := rest.Opts{
		Method: "POST",
		Path:   "/dispatcher",
	}
	var result api.Response
	var resp *http.Response
	err = c.pacer.CallNoRetry(func() (bool, error) {
		resp, err = c.srv.CallJSON(ctx, &opts, request, &result)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return errors.Wrapf(err, "%s failed", key)
	}
	if err = result.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	plain := wocrypt.Decrypt(result.Rsp.Data, channel, c.AccessKey())
	if err = json.Unmarshal([]byte(plain), out); err != nil {
		return errors.Wrapf(err, "%s returned undecodable DATA", key)
	}
	return nil
}

// ListChildren lists the direct children of the directory parentID.
// parentID "0" is the account root.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]api.File, error) {
	param := api.QueryAllFilesParam{
		SpaceType:         spaceTypePersonal,
		ParentDirectoryID: parentID,
		PageNum:           0,
		PageSize:          defaultPageSize,
		SortRule:          defaultSortRule,
		ClientID:          clientID,
	}
	var data api.QueryAllFilesData
	err := c.call(ctx, "QueryAllFiles", &param, &data)
	if err != nil {
		return nil, err
	}
	return data.Files, nil
}

// GetDownloadURLs fetches direct download URLs for a batch of fids.
// If the V2 call fails the legacy single-fid shape is tried once.
func (c *Client) GetDownloadURLs(ctx context.Context, fids []string) ([]api.DownloadURL, error) {
	param := api.GetDownloadURLV2Param{
		Type:     "1",
		FidList:  fids,
		ClientID: clientID,
	}
	var data api.GetDownloadURLV2Data
	err := c.call(ctx, "GetDownloadUrlV2", &param, &data)
	if err == nil {
		return data.List, nil
	}
	pan.Debugf(c, "GetDownloadUrlV2 failed (%v), falling back to GetDownloadUrl", err)
	urls := make([]api.DownloadURL, 0, len(fids))
	for _, fid := range fids {
		legacyParam := api.GetDownloadURLParam{
			Fid:      fid,
			ClientID: clientID,
		}
		var legacyData api.GetDownloadURLData
		if err := c.call(ctx, "GetDownloadUrl", &legacyParam, &legacyData); err != nil {
			return nil, err
		}
		urls = append(urls, api.DownloadURL{Fid: fid, DownloadURL: legacyData.URL})
	}
	return urls, nil
}

// CreateDirectory makes a directory called name under parentID and
// returns the new directory's id.
func (c *Client) CreateDirectory(ctx context.Context, parentID, name string) (string, error) {
	param := api.CreateDirectoryParam{
		SpaceType:         spaceTypePersonal,
		ParentDirectoryID: parentID,
		DirectoryName:     name,
		ClientID:          clientID,
		FamilyID:          "",
	}
	var data api.CreateDirectoryData
	err := c.call(ctx, "CreateDirectory", &param, &data)
	if err != nil {
		return "", err
	}
	if data.ID == "" {
		return "", errors.New("CreateDirectory returned no id")
	}
	return data.ID, nil
}

// Delete removes the given directories and files in one call
func (c *Client) Delete(ctx context.Context, dirIDs, fileIDs []string) error {
	if dirIDs == nil {
		dirIDs = []string{}
	}
	if fileIDs == nil {
		fileIDs = []string{}
	}
	param := api.DeleteFileParam{
		SpaceType: spaceTypePersonal,
		VipLevel:  "0",
		DirList:   dirIDs,
		FileList:  fileIDs,
		ClientID:  clientID,
	}
	return c.call(ctx, "DeleteFile", &param, nil)
}

// FindLeaf finds a directory of name leaf in the folder with ID pathID
//
// This is part of the dircache.DirCacher interface.
func (c *Client) FindLeaf(ctx context.Context, pathID, leaf string) (pathIDOut string, found bool, err error) {
	files, err := c.ListChildren(ctx, pathID)
	if err != nil {
		return "", false, err
	}
	for _, file := range files {
		if file.IsDir() && file.Name == leaf {
			return file.ID, true, nil
		}
	}
	return "", false, nil
}

// CreateDir makes a directory with pathID as parent and name leaf
//
// This is part of the dircache.DirCacher interface.
func (c *Client) CreateDir(ctx context.Context, pathID, leaf string) (newID string, err error) {
	return c.CreateDirectory(ctx, pathID, leaf)
}

// FindFile walks remotePath ("a/b/c.txt", forward slashes, no leading
// slash) segment by segment with exact name matching and returns the
// file found at the leaf.  Returns ErrFileNotFound when any segment is
// missing.
func (c *Client) FindFile(ctx context.Context, remotePath string) (*api.File, error) {
	if err := c.dirCache.FindRoot(ctx, false); err != nil {
		return nil, err
	}
	leaf, directoryID, err := c.dirCache.FindPath(ctx, remotePath, false)
	if err != nil {
		return nil, ErrFileNotFound
	}
	files, err := c.ListChildren(ctx, directoryID)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() && file.Name == leaf {
			found := file
			return &found, nil
		}
	}
	return nil, ErrFileNotFound
}

// String converts this Client to a string for logging
func (c *Client) String() string {
	return "wopan"
}
