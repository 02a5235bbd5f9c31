// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/nexus/metrics"
	"github.com/cubefs/nexus/nexus"

	apierrors "github.com/cubefs/nexus/errors"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	mws := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.auditLogHandler != nil {
		mws = append([]rpc.ProgressHandler{h.auditLogHandler}, mws...)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), mws...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

type NexusArgs struct {
	Name string `json:"name"`
}

type DestroyNexusArgs struct {
	Name  string `json:"name"`
	Purge bool   `json:"purge,omitempty"`
}

type FaultChildArgs struct {
	Name   string `json:"name"`
	Child  string `json:"child"`
	Reason string `json:"reason,omitempty"`
}

type AddChildArgs struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type RemoveChildArgs struct {
	Name  string `json:"name"`
	Child string `json:"child"`
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.handleStats, rpc.OptArgsQuery())
	rpc.GET("/metrics", h.handleMetrics)

	rpc.GET("/nexus/list", h.handleNexusList)
	rpc.GET("/nexus/get", h.handleNexusGet, rpc.OptArgsQuery())
	rpc.GET("/nexus/metadata", h.handleNexusMetadata, rpc.OptArgsQuery())
	rpc.GET("/nexus/store", h.handleNexusStore)
	rpc.POST("/nexus/create", h.handleNexusCreate, rpc.OptArgsBody())
	rpc.POST("/nexus/destroy", h.handleNexusDestroy, rpc.OptArgsQuery())
	rpc.POST("/nexus/child/fault", h.handleChildFault, rpc.OptArgsQuery())
	rpc.POST("/nexus/child/add", h.handleChildAdd, rpc.OptArgsQuery())
	rpc.POST("/nexus/child/remove", h.handleChildRemove, rpc.OptArgsQuery())

	rpc.GET("/device/list", h.handleDeviceList)

	return rpc.DefaultRouter
}

func (h *HttpServer) handleStats(c *rpc.Context) {
	c.RespondJSON(h.Stats())
}

func (h *HttpServer) handleMetrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (h *HttpServer) handleNexusList(c *rpc.Context) {
	c.RespondJSON(h.ListNexuses())
}

func (h *HttpServer) handleNexusGet(c *rpc.Context) {
	args := new(NexusArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	n, err := h.GetNexus(args.Name)
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(n.Info())
}

func (h *HttpServer) handleNexusMetadata(c *rpc.Context) {
	args := new(NexusArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	copies, err := h.ChildMetadata(c.Request.Context(), args.Name)
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(copies)
}

func (h *HttpServer) handleNexusStore(c *rpc.Context) {
	records, err := h.StoreRecords(c.Request.Context())
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(records)
}

func (h *HttpServer) handleNexusCreate(c *rpc.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContextSafe(ctx)

	args := new(nexus.Config)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	n, err := h.CreateNexus(ctx, *args)
	if err != nil {
		span.Warnf("create nexus %s failed: %s", args.Name, err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(n.Info())
}

func (h *HttpServer) handleNexusDestroy(c *rpc.Context) {
	args := new(DestroyNexusArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.DestroyNexus(c.Request.Context(), args.Name, args.Purge); err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) handleChildFault(c *rpc.Context) {
	args := new(FaultChildArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	reason := nexus.FaultByClient
	if args.Reason != "" {
		reason = nexus.ParseFaultReason(args.Reason)
	}
	if err := h.FaultChild(c.Request.Context(), args.Name, args.Child, reason); err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) handleChildAdd(c *rpc.Context) {
	args := new(AddChildArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.AddChild(c.Request.Context(), args.Name, args.URI); err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) handleChildRemove(c *rpc.Context) {
	args := new(RemoveChildArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.RemoveChild(c.Request.Context(), args.Name, args.Child); err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) handleDeviceList(c *rpc.Context) {
	c.RespondJSON(h.Devices())
}

var errStatus = []struct {
	err    error
	status int
}{
	{apierrors.ErrNexusNotFound, http.StatusNotFound},
	{apierrors.ErrChildNotFound, http.StatusNotFound},
	{apierrors.ErrDeviceNotFound, http.StatusNotFound},
	{apierrors.ErrNexusExists, http.StatusConflict},
	{apierrors.ErrChildExists, http.StatusConflict},
	{apierrors.ErrDeviceExists, http.StatusConflict},
	{apierrors.ErrInvalidState, http.StatusConflict},
	{apierrors.ErrLastHealthyChild, http.StatusConflict},
	{apierrors.ErrInvalidConfig, http.StatusBadRequest},
	{apierrors.ErrInvalidURI, http.StatusBadRequest},
	{apierrors.ErrUnsupportedScheme, http.StatusBadRequest},
	{apierrors.ErrBadPartitions, http.StatusBadRequest},
	{apierrors.ErrNotEnoughDevices, http.StatusBadRequest},
	{apierrors.ErrDeviceBlockLengthMismatch, http.StatusBadRequest},
	{apierrors.ErrDeviceSizeMismatch, http.StatusBadRequest},
	{apierrors.ErrStoreUnavailable, http.StatusServiceUnavailable},
}

// httpError maps an error kind to its http status.
func httpError(err error) *rpc.Error {
	for _, es := range errStatus {
		if errors.Is(err, es.err) {
			return rpc.NewError(es.status, http.StatusText(es.status), err)
		}
	}
	return rpc.NewError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), err)
}
