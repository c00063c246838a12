// Package api exposes a read-only HTTP surface over a running orchestration
// session: device status, registered kernels, declared tensors, and open ring
// channels. It never mutates runtime state.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/rt"
	"github.com/samcharles93/loom/internal/version"
)

type Server struct {
	runtime *rt.Runtime
	started time.Time
	clock   func() time.Time
}

func NewServer(runtime *rt.Runtime) *Server {
	return &Server{
		runtime: runtime,
		started: time.Now(),
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/kernels", s.handleKernels)
	e.GET("/v1/tensors", s.handleTensors)
	e.GET("/v1/channels", s.handleChannels)
}

func (s *Server) handleStatus(c *echo.Context) error {
	info := version.Resolve()
	return c.JSON(http.StatusOK, StatusResponse{
		Session:       s.runtime.Session.ID,
		DeviceID:      s.runtime.Session.DeviceID,
		Aborted:       s.runtime.Session.Aborted(),
		Kernels:       s.runtime.Kernels.Len(),
		Tensors:       s.runtime.Tensors.Len(),
		Channels:      len(s.runtime.Channels()),
		Version:       info.Version,
		Commit:        info.Commit,
		UptimeSeconds: s.clock().Sub(s.started).Seconds(),
	})
}

func (s *Server) handleKernels(c *echo.Context) error {
	refs := s.runtime.Kernels.Refs()
	out := make([]KernelInfo, 0, len(refs))
	for _, ref := range refs {
		img, err := s.runtime.Kernels.Resolve(ref)
		if err != nil {
			continue
		}
		out = append(out, KernelInfo{
			FuncID:    ref.FuncID,
			Unit:      ref.Unit.String(),
			SizeBytes: img.Size(),
		})
	}
	return c.JSON(http.StatusOK, KernelsResponse{Kernels: out})
}

func (s *Server) handleTensors(c *echo.Context) error {
	names := s.runtime.Tensors.Names()
	out := make([]TensorInfo, 0, len(names))
	for _, name := range names {
		d, err := s.runtime.Tensors.Resolve(name)
		if err != nil {
			continue
		}
		out = append(out, TensorInfo{
			Name:      d.Name,
			Shape:     d.Shape,
			DType:     d.DType.String(),
			Addr:      uint64(d.Addr),
			SizeBytes: d.SizeBytes(),
			Lifetime:  d.Lifetime.String(),
		})
	}
	return c.JSON(http.StatusOK, TensorsResponse{Tensors: out})
}

func (s *Server) handleChannels(c *echo.Context) error {
	channels := s.runtime.Channels()
	out := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelInfo{
			Name:     ch.Name,
			Capacity: ch.Cap(),
			Occupied: ch.Len(),
			Producer: ch.Producer.String(),
			Consumer: ch.Consumer.String(),
		})
	}
	return c.JSON(http.StatusOK, ChannelsResponse{Channels: out})
}
