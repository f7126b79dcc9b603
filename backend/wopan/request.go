package wopan

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/woclouds/wopan/backend/wopan/api"
	"github.com/woclouds/wopan/backend/wopan/wocrypt"
)

// reqSeq bounds.  The dispatcher rejects sequence numbers outside the
// window used by the web client.
const (
	reqSeqMin = 100000
	reqSeqMax = 108999
)

// sign computes the dispatcher request signature.  The integers are
// rendered base-10 with no separators - the dispatcher hashes the
// literal concatenation.
func sign(key string, resTime int64, reqSeq int, channel, version string) string {
	sum := md5.Sum([]byte(key + strconv.FormatInt(resTime, 10) + strconv.Itoa(reqSeq) + channel + version))
	return hex.EncodeToString(sum[:])
}

// newRequest frames one dispatcher operation: signed header plus the
// encrypted param body.  A nil param produces the bare {"secret":true}
// body.
//
// The param is marshalled with encoding/json which emits compact
// separators.  Nothing may pretty-print it - whitespace changes the
// encrypted byte stream and the dispatcher fails with opaque RSP_CODE
// errors.
func (c *Client) newRequest(key string, param interface{}) (*api.Request, error) {
	resTime := time.Now().UnixMilli()
	reqSeq := reqSeqMin + rand.Intn(reqSeqMax-reqSeqMin+1)
	request := &api.Request{
		Header: api.RequestHeader{
			Key:     key,
			ResTime: resTime,
			ReqSeq:  reqSeq,
			Channel: channel,
			Sign:    sign(key, resTime, reqSeq, channel, ""),
			Version: "",
		},
		Body: api.RequestBody{
			Secret: true,
		},
	}
	if param != nil {
		plain, err := json.Marshal(param)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal %s param", key)
		}
		request.Body.Param = wocrypt.Encrypt(string(plain), channel, c.AccessKey())
	}
	return request, nil
}
