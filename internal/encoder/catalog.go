// Package encoder enumerates the GStreamer video encoders installed on the
// host and ranks them.
//
// Ranking uses static priority tiers rather than runtime benchmarking:
// availability and quality are install-time properties, and spinning up every
// backend to measure it costs more than a good default is worth.
//
//	NVIDIA hardware (nvcodec)  priority 10
//	VA-API hardware (va/vaapi) priority 20
//	software                   priority 100
package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Codec is a video compression format.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
	CodecVP9
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecVP9:
		return "VP9"
	case CodecAV1:
		return "AV1"
	default:
		return "unknown"
	}
}

// ParseCodec accepts the usual spellings (h264, avc, h265, hevc, vp9, av1).
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc", "h.264":
		return CodecH264, nil
	case "h265", "hevc", "h.265":
		return CodecH265, nil
	case "vp9":
		return CodecVP9, nil
	case "av1":
		return CodecAV1, nil
	}
	return 0, fmt.Errorf("unknown codec %q", s)
}

// Tier selects between hardware and software backends.
type Tier int

const (
	// TierAny accepts the best available backend.
	TierAny Tier = iota
	TierHardware
	TierSoftware
)

func (t Tier) String() string {
	switch t {
	case TierHardware:
		return "hardware"
	case TierSoftware:
		return "software"
	default:
		return "any"
	}
}

// Static priority tiers. Lower sorts first.
const (
	PriorityNVIDIA   uint8 = 10
	PriorityVAAPI    uint8 = 20
	PrioritySoftware uint8 = 100
)

var (
	// ErrNoEncoders is returned when no known encoder is installed.
	ErrNoEncoders = errors.New("no encoders available")

	// ErrEncoderUnavailable is returned when a requested encoder is not
	// installed or unknown.
	ErrEncoderUnavailable = errors.New("requested encoder unavailable")

	// ErrFinalizeTimeout is returned when an encoder did not drain within
	// its bound. The output file may be unusable.
	ErrFinalizeTimeout = errors.New("timed out draining pipeline")
)

// Info describes one installed encoder backend.
type Info struct {
	Name      string // human readable
	BackendID string // GStreamer element factory name
	Codec     Codec
	Hardware  bool
	Priority  uint8
}

func (i Info) String() string {
	kind := "software"
	if i.Hardware {
		kind = "hardware"
	}
	return fmt.Sprintf("%s (%s, %s %s)", i.Name, i.BackendID, i.Codec, kind)
}

// knownBackends is the ordered probe list. Within one priority tier the
// list order breaks ties, so newer plugins come before their legacy
// counterparts.
var knownBackends = []Info{
	{Name: "NVIDIA NVENC H.264", BackendID: "nvh264enc", Codec: CodecH264, Hardware: true, Priority: PriorityNVIDIA},
	{Name: "NVIDIA NVENC H.265", BackendID: "nvh265enc", Codec: CodecH265, Hardware: true, Priority: PriorityNVIDIA},
	{Name: "NVIDIA NVENC AV1", BackendID: "nvav1enc", Codec: CodecAV1, Hardware: true, Priority: PriorityNVIDIA},

	{Name: "VA-API H.264", BackendID: "vah264enc", Codec: CodecH264, Hardware: true, Priority: PriorityVAAPI},
	{Name: "VA-API H.264 (legacy)", BackendID: "vaapih264enc", Codec: CodecH264, Hardware: true, Priority: PriorityVAAPI},
	{Name: "VA-API H.265", BackendID: "vah265enc", Codec: CodecH265, Hardware: true, Priority: PriorityVAAPI},
	{Name: "VA-API H.265 (legacy)", BackendID: "vaapih265enc", Codec: CodecH265, Hardware: true, Priority: PriorityVAAPI},
	{Name: "VA-API VP9", BackendID: "vavp9enc", Codec: CodecVP9, Hardware: true, Priority: PriorityVAAPI},
	{Name: "VA-API AV1", BackendID: "vaav1enc", Codec: CodecAV1, Hardware: true, Priority: PriorityVAAPI},

	{Name: "x264", BackendID: "x264enc", Codec: CodecH264, Priority: PrioritySoftware},
	{Name: "x265", BackendID: "x265enc", Codec: CodecH265, Priority: PrioritySoftware},
	{Name: "libvpx VP9", BackendID: "vp9enc", Codec: CodecVP9, Priority: PrioritySoftware},
	{Name: "SVT-AV1", BackendID: "svtav1enc", Codec: CodecAV1, Priority: PrioritySoftware},
	{Name: "libaom AV1", BackendID: "av1enc", Codec: CodecAV1, Priority: PrioritySoftware},
}


// Registry answers whether an element factory is installed. The GStreamer
// implementation lives in the pipeline package.
type Registry interface {
	HasElement(name string) bool
}

// Catalog is the ranked set of installed encoders.
type Catalog struct {
	encoders []Info
}

// Detect probes every known backend and returns the installed ones sorted
// ascending by priority.
func Detect(reg Registry) *Catalog {
	return detect(reg, knownBackends)
}

func detect(reg Registry, candidates []Info) *Catalog {
	var found []Info
	for _, info := range candidates {
		if reg.HasElement(info.BackendID) {
			found = append(found, info)
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Priority < found[j].Priority
	})

	slog.Debug("encoder: detection complete",
		"probed", len(candidates),
		"installed", len(found),
	)
	return &Catalog{encoders: found}
}

// Encoders returns the installed encoders, best first.
func (c *Catalog) Encoders() []Info {
	return append([]Info(nil), c.encoders...)
}

// Best returns the highest ranked encoder.
func (c *Catalog) Best() (Info, error) {
	if len(c.encoders) == 0 {
		return Info{}, ErrNoEncoders
	}
	return c.encoders[0], nil
}

// Lookup returns the installed encoder with the given backend id.
func (c *Catalog) Lookup(backendID string) (Info, error) {
	for _, info := range c.encoders {
		if info.BackendID == backendID {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %s", ErrEncoderUnavailable, backendID)
}

// Capability is an abstract encoder request resolved to a concrete backend
// only when the pipeline is built.
type Capability struct {
	Codec Codec
	Tier  Tier
}

func (c Capability) String() string {
	if c.Tier == TierAny {
		return c.Codec.String()
	}
	return c.Codec.String() + ":" + c.Tier.String()
}

// Resolve picks the best installed encoder satisfying the capability.
func (c *Catalog) Resolve(capability Capability) (Info, error) {
	if len(c.encoders) == 0 {
		return Info{}, ErrNoEncoders
	}
	for _, info := range c.encoders {
		if info.Codec != capability.Codec {
			continue
		}
		if capability.Tier == TierHardware && !info.Hardware {
			continue
		}
		if capability.Tier == TierSoftware && info.Hardware {
			continue
		}
		return info, nil
	}
	return Info{}, fmt.Errorf("%w: no installed %s encoder", ErrEncoderUnavailable, capability)
}

// Selector is what the user asked for: either a concrete backend id or a
// capability.
type Selector struct {
	BackendID  string
	Capability *Capability
}

// ParseSelector accepts a backend id (x264enc), a codec (h264) or a codec
// with a tier (h264:hardware, h264:software).
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, errors.New("empty encoder selector")
	}

	codecPart, tierPart, hasTier := strings.Cut(s, ":")
	codec, err := ParseCodec(codecPart)
	if err != nil {
		if hasTier {
			return Selector{}, err
		}
		return Selector{BackendID: s}, nil
	}

	capability := Capability{Codec: codec}
	if hasTier {
		switch strings.ToLower(tierPart) {
		case "hardware", "hw":
			capability.Tier = TierHardware
		case "software", "sw":
			capability.Tier = TierSoftware
		case "any", "":
			capability.Tier = TierAny
		default:
			return Selector{}, fmt.Errorf("unknown encoder tier %q", tierPart)
		}
	}
	return Selector{Capability: &capability}, nil
}

// Select resolves a selector against the catalog.
func (c *Catalog) Select(sel Selector) (Info, error) {
	if sel.Capability != nil {
		return c.Resolve(*sel.Capability)
	}
	return c.Lookup(sel.BackendID)
}
