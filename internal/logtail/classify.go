package logtail

import (
	"strings"
	"time"
)

// Kind is the severity class assigned to a log line.
type Kind int

const (
	KindNone Kind = iota
	KindGeneric
	KindCritical
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindCritical:
		return "critical"
	default:
		return "none"
	}
}

// Classification is the outcome of classifying one line. Marker is set
// for critical lines and names the matched critical marker.
type Classification struct {
	Kind   Kind   `json:"kind"`
	Marker string `json:"marker,omitempty"`
}

// Default marker catalog.
const (
	DefaultGenericMarker = "ERROR"
	DefaultSocketMarker  = "socket.send() raised exception"
)

// DefaultCriticalMarkers lists the error classes treated as critical when
// no catalog is configured.
var DefaultCriticalMarkers = []string{
	"RuntimeError",
	"ConnectionError",
	"ServerDisconnectedError",
	"ClientConnectorError",
	DefaultSocketMarker,
}

// TimestampLayout is the optional leading timestamp format (dd-mm-yyyy HH:MM:SS).
const TimestampLayout = "02-01-2006 15:04:05"

// Classifier matches lines against critical markers and the generic marker.
type Classifier struct {
	Critical []string
	Generic  string
	Socket   string
}

// NewClassifier builds a classifier, applying defaults for empty inputs.
// The socket marker is always treated as critical.
func NewClassifier(critical []string, generic, socket string) Classifier {
	if len(critical) == 0 {
		critical = DefaultCriticalMarkers
	}
	if generic == "" {
		generic = DefaultGenericMarker
	}
	if socket == "" {
		socket = DefaultSocketMarker
	}
	markers := append([]string(nil), critical...)
	found := false
	for _, m := range markers {
		if m == socket {
			found = true
			break
		}
	}
	if !found {
		markers = append(markers, socket)
	}
	return Classifier{Critical: markers, Generic: generic, Socket: socket}
}

// Classify returns the classification of line. Critical markers win over
// the generic marker.
func (c Classifier) Classify(line string) Classification {
	for _, m := range c.Critical {
		if m != "" && strings.Contains(line, m) {
			return Classification{Kind: KindCritical, Marker: m}
		}
	}
	if c.Generic != "" && strings.Contains(line, c.Generic) {
		return Classification{Kind: KindGeneric}
	}
	return Classification{Kind: KindNone}
}

// IsSocket reports whether line carries the socket-failure marker.
func (c Classifier) IsSocket(line string) bool {
	return c.Socket != "" && strings.Contains(line, c.Socket)
}

// ParseTimestamp extracts the optional leading timestamp, accepting an
// optional surrounding pair of square brackets. Times are interpreted in loc.
func ParseTimestamp(line string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimLeft(line, " \t")
	s = strings.TrimPrefix(s, "[")
	if len(s) < len(TimestampLayout) {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimestampLayout, s[:len(TimestampLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
