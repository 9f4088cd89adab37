package pipeline

import (
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/hojjatabdollahi/snappea-sub000/internal/encoder"
)

var initOnce sync.Once

// Init initializes GStreamer once per process.
func Init() {
	initOnce.Do(func() {
		gst.Init(nil)
		slog.Debug("pipeline: gstreamer initialized")
	})
}

// Registry probes the default GStreamer registry for element factories.
type Registry struct{}

var _ encoder.Registry = Registry{}

// HasElement reports whether the factory name is registered.
func (Registry) HasElement(name string) bool {
	Init()
	factory := gst.Find(name)
	if factory == nil {
		return false
	}
	factory.Unref()
	return true
}
