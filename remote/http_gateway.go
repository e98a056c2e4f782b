// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/riverfs/riverfs/errs"
)

// httpGateway is the production Gateway, issuing the URL forms
//
//	GET  {base}/uri/{rootcap}/{path}?t=json
//	GET  {base}/uri/{rootcap}/{path}      Range: bytes=A-B
//	PUT  {base}/uri/{rootcap}/{path}
//	POST {base}/uri/{rootcap}/{path}?t=mkdir
//	DELETE {base}/uri/{rootcap}/{path}
//
// and, for operations addressed directly by capability rather than by
// rootcap-relative path, the same forms against {base}/uri/{cap}.
type httpGateway struct {
	client  *http.Client
	baseURL string
	rootcap string

	getSem *semaphore.Weighted
	putSem *semaphore.Weighted

	netTimeout time.Duration
}

// NewHTTPGateway builds a Gateway against baseURL/rootcap, splitting
// maxConnections roughly in half between the GET and PUT pools the way the
// teacher's remote client does.
func NewHTTPGateway(baseURL, rootcap string, maxConnections int, netTimeout time.Duration) Gateway {
	if maxConnections < 1 {
		maxConnections = 10
	}
	putConns := maxConnections / 2
	if putConns < 1 {
		putConns = 1
	}
	getConns := maxConnections - putConns
	if getConns < 1 {
		getConns = 1
	}

	return &httpGateway{
		client:     &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/") + "/uri",
		rootcap:    rootcap,
		getSem:     semaphore.NewWeighted(int64(getConns)),
		putSem:     semaphore.NewWeighted(int64(putConns)),
		netTimeout: netTimeout,
	}
}

// resolveCap substitutes the gateway's root capability when cap is empty,
// so callers can address the cache root (which has no capability of its
// own to remember) the same way they address any other node.
func (g *httpGateway) resolveCap(cap string) string {
	if cap == "" {
		return g.rootcap
	}
	return cap
}

func (g *httpGateway) capURL(cap string) string {
	return g.baseURL + "/" + url.PathEscape(g.resolveCap(cap))
}

func (g *httpGateway) childURL(parentCap, childName string) string {
	return g.baseURL + "/" + url.PathEscape(g.resolveCap(parentCap)) + "/" + url.PathEscape(childName)
}

func (g *httpGateway) Info(ctx context.Context, cap string) (NodeInfo, error) {
	if err := g.getSem.Acquire(ctx, 1); err != nil {
		return NodeInfo{}, errs.RemoteIO("Gateway.Info", cap, err)
	}
	defer g.getSem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.capURL(cap)+"?t=json", nil)
	if err != nil {
		return NodeInfo{}, errs.Invalid("Gateway.Info", cap, err)
	}

	resp, err := g.do(req, g.netTimeout)
	if err != nil {
		return NodeInfo{}, err
	}
	defer resp.Body.Close()

	if err := statusErr("Gateway.Info", cap, resp); err != nil {
		return NodeInfo{}, err
	}

	var parsed [2]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return NodeInfo{}, errs.RemoteIO("Gateway.Info", cap, err)
	}

	var kindStr string
	if err := json.Unmarshal(parsed[0], &kindStr); err != nil {
		return NodeInfo{}, errs.RemoteIO("Gateway.Info", cap, err)
	}

	var fields struct {
		Size int64  `json:"size"`
		RO   string `json:"ro_uri"`
	}
	if err := json.Unmarshal(parsed[1], &fields); err != nil {
		return NodeInfo{}, errs.RemoteIO("Gateway.Info", cap, err)
	}

	info := NodeInfo{Size: fields.Size, RO: fields.RO}
	if kindStr == "dirnode" {
		info.Kind = KindDirectory
	} else {
		info.Kind = KindFile
	}
	return info, nil
}

func (g *httpGateway) ReadRange(ctx context.Context, cap string, offset, length int64) (io.ReadCloser, error) {
	if err := g.getSem.Acquire(ctx, 1); err != nil {
		return nil, errs.RemoteIO("Gateway.ReadRange", cap, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.capURL(cap), nil)
	if err != nil {
		g.getSem.Release(1)
		return nil, errs.Invalid("Gateway.ReadRange", cap, err)
	}
	req.Header.Set("Accept", "text/plain")
	if length < 0 {
		// An open-ended range: read from offset through EOF.
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	resp, err := g.do(req, g.netTimeout)
	if err != nil {
		g.getSem.Release(1)
		return nil, err
	}

	if err := statusErr("Gateway.ReadRange", cap, resp); err != nil {
		resp.Body.Close()
		g.getSem.Release(1)
		return nil, err
	}

	return &releasingBody{ReadCloser: resp.Body, release: func() { g.getSem.Release(1) }}, nil
}

// releasingBody releases a semaphore slot exactly once, on Close, so a
// streamed GET holds its connection slot for its whole lifetime rather than
// just the time it takes to issue the request.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.once {
		b.once = true
		b.release()
	}
	return err
}

func (g *httpGateway) Put(ctx context.Context, parentCap, childName string, r io.Reader) (string, error) {
	if err := g.putSem.Acquire(ctx, 1); err != nil {
		return "", errs.RemoteIO("Gateway.Put", childName, err)
	}
	defer g.putSem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.childURL(parentCap, childName), r)
	if err != nil {
		return "", errs.Invalid("Gateway.Put", childName, err)
	}

	// PUTs run without a client-side timeout: an upload may legitimately
	// take longer than a GET's deadline.
	resp, err := g.do(req, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusErr("Gateway.Put", childName, resp); err != nil {
		return "", err
	}

	return readTrimmedBody(resp)
}

func (g *httpGateway) Mkdir(ctx context.Context, parentCap, childName string) (string, error) {
	if err := g.getSem.Acquire(ctx, 1); err != nil {
		return "", errs.RemoteIO("Gateway.Mkdir", childName, err)
	}
	defer g.getSem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.childURL(parentCap, childName)+"?t=mkdir", nil)
	if err != nil {
		return "", errs.Invalid("Gateway.Mkdir", childName, err)
	}

	resp, err := g.do(req, g.netTimeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusErr("Gateway.Mkdir", childName, resp); err != nil {
		return "", err
	}

	return readTrimmedBody(resp)
}

func (g *httpGateway) Delete(ctx context.Context, parentCap, childName string) error {
	if err := g.getSem.Acquire(ctx, 1); err != nil {
		return errs.RemoteIO("Gateway.Delete", childName, err)
	}
	defer g.getSem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.childURL(parentCap, childName), nil)
	if err != nil {
		return errs.Invalid("Gateway.Delete", childName, err)
	}

	resp, err := g.do(req, g.netTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return statusErr("Gateway.Delete", childName, resp)
}

// WaitUntilWriteAllowed acquires then immediately releases a PUT slot,
// applying backpressure to a writer without consuming capacity a real
// upload needs.
func (g *httpGateway) WaitUntilWriteAllowed(ctx context.Context) error {
	if err := g.putSem.Acquire(ctx, 1); err != nil {
		return errs.RemoteIO("Gateway.WaitUntilWriteAllowed", "", err)
	}
	g.putSem.Release(1)
	return nil
}

func (g *httpGateway) do(req *http.Request, timeout time.Duration) (*http.Response, error) {
	client := g.client
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.RemoteIO(req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func statusErr(op, path string, resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return errs.NotFound(op, path)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.RemoteIO(op, path, fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	return nil
}

func readTrimmedBody(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.RemoteIO("Gateway", "", err)
	}
	return strings.TrimSpace(string(body)), nil
}
