package encoder

import (
	"fmt"
	"strings"
)

// Container is the output file format.
type Container int

const (
	ContainerMp4 Container = iota
	ContainerWebm
	ContainerMkv
)

func (c Container) String() string {
	switch c {
	case ContainerMp4:
		return "Mp4"
	case ContainerWebm:
		return "Webm"
	case ContainerMkv:
		return "Mkv"
	default:
		return "unknown"
	}
}

// ParseContainer accepts Mp4, Webm or Mkv in any case.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mp4":
		return ContainerMp4, nil
	case "webm":
		return ContainerWebm, nil
	case "mkv", "matroska":
		return ContainerMkv, nil
	}
	return 0, fmt.Errorf("unknown container %q (want Mp4, Webm or Mkv)", s)
}

// Muxer returns the GStreamer muxer element for the container.
func (c Container) Muxer() string {
	switch c {
	case ContainerWebm:
		return "webmmux"
	case ContainerMkv:
		return "matroskamux"
	default:
		return "mp4mux"
	}
}

// Extension returns the conventional file extension including the dot.
func (c Container) Extension() string {
	switch c {
	case ContainerWebm:
		return ".webm"
	case ContainerMkv:
		return ".mkv"
	default:
		return ".mp4"
	}
}

// Supports reports whether the container can carry the codec.
func (c Container) Supports(codec Codec) bool {
	switch c {
	case ContainerMp4:
		return codec == CodecH264 || codec == CodecH265 || codec == CodecAV1
	case ContainerWebm:
		return codec == CodecVP9 || codec == CodecAV1
	case ContainerMkv:
		return true
	}
	return false
}
