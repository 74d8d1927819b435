package wrapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bnema/reencode/internal/domain"
)

type LineKind int

const (
	LineText LineKind = iota
	LineField
	LineStage
	LineStatus
	LineError
	LineCommand
)

func (k LineKind) String() string {
	switch k {
	case LineField:
		return "field"
	case LineStage:
		return "stage"
	case LineStatus:
		return "status"
	case LineError:
		return "error"
	case LineCommand:
		return "command"
	default:
		return "text"
	}
}

// Line is one classified line of wrapper output.
type Line struct {
	Kind  LineKind
	Key   string // field lines only
	Value string // field value, or the text after the marker
	Raw   string
}

var markers = []struct {
	prefix string
	kind   LineKind
}{
	{"STAGE:", LineStage},
	{"STATUS:", LineStatus},
	{"ERROR:", LineError},
	{"CMD:", LineCommand},
}

// Classify maps one raw output line to its protocol meaning. Markers take
// precedence over key=value, so "STATUS:crf=26" is a status line.
func Classify(raw string) Line {
	line := strings.TrimSpace(raw)
	for _, m := range markers {
		if strings.HasPrefix(line, m.prefix) {
			return Line{Kind: m.kind, Value: line[len(m.prefix):], Raw: line}
		}
	}
	if key, value, ok := strings.Cut(line, "="); ok {
		return Line{Kind: LineField, Key: key, Value: value, Raw: line}
	}
	return Line{Kind: LineText, Raw: line}
}

const (
	emitInterval    = time.Second
	summaryInterval = 5 * time.Second
)

// Tracker is the parsing state for one conversion. It is advanced one line at
// a time and decides when a snapshot is due; it does no I/O.
type Tracker struct {
	snap    domain.Snapshot
	fields  map[string]string
	log     []string
	emit    *rate.Limiter
	summary *rate.Limiter
}

func NewTracker() *Tracker {
	return &Tracker{
		snap: domain.Snapshot{
			Stage:  "initializing",
			Status: "Starting conversion...",
		},
		fields:  make(map[string]string),
		emit:    rate.NewLimiter(rate.Every(emitInterval), 1),
		summary: rate.NewLimiter(rate.Every(summaryInterval), 1),
	}
}

// Advance applies one output line observed at now and reports whether a
// snapshot should be delivered. Marker lines always report true; progress
// triggers report true at most once per second.
func (t *Tracker) Advance(raw string, now time.Time) bool {
	line := Classify(raw)

	switch line.Kind {
	case LineField:
		return t.applyField(line, now)
	case LineStage:
		t.log = append(t.log, line.Raw)
		t.snap.Stage = line.Value
		return true
	case LineStatus:
		t.log = append(t.log, line.Raw)
		t.snap.Status = line.Value
		return true
	case LineError, LineCommand:
		t.log = append(t.log, line.Raw)
		return true
	default:
		t.log = append(t.log, line.Raw)
		return false
	}
}

func (t *Tracker) applyField(line Line, now time.Time) bool {
	t.fields[line.Key] = line.Value

	switch line.Key {
	case "frame":
		if v, err := strconv.ParseInt(line.Value, 10, 64); err == nil {
			t.snap.Frame = v
		}
	case "fps":
		if v, err := strconv.ParseFloat(line.Value, 64); err == nil {
			t.snap.FPS = v
		}
	case "total_frames":
		if v, err := strconv.ParseInt(line.Value, 10, 64); err == nil {
			t.snap.TotalFrames = v
		}
	case "progress":
		// The value (continue/end) is ignored; the key only triggers a recompute.
		t.recompute()
		if t.summary.AllowN(now, 1) {
			t.log = append(t.log, t.summaryLine())
		}
		return t.emit.AllowN(now, 1)
	}
	return false
}

func (t *Tracker) recompute() {
	frame, total := t.snap.Frame, t.snap.TotalFrames
	if total <= 0 || frame <= 0 {
		return
	}
	t.snap.Percent = math.Min(float64(frame)/float64(total)*100, 100)
	if t.snap.FPS > 0 {
		t.snap.ETASeconds = int64(math.Floor(float64(total-frame) / t.snap.FPS))
	}
}

func (t *Tracker) summaryLine() string {
	get := func(key string) string {
		if v, ok := t.fields[key]; ok {
			return v
		}
		return "N/A"
	}
	return fmt.Sprintf("Frame: %s | FPS: %s | Size: %s | Bitrate: %s",
		get("frame"), get("fps"), get("total_size"), get("bitrate"))
}

// AppendLog adds an annotation line that did not come from stdout.
func (t *Tracker) AppendLog(line string) {
	t.log = append(t.log, line)
}

// Complete moves the state to its final successful form.
func (t *Tracker) Complete() {
	t.snap.Percent = 100
	t.snap.Stage = "complete"
	t.snap.Status = "Conversion complete"
}

func (t *Tracker) Log() string {
	return strings.Join(t.log, "\n")
}

// Snapshot returns a copy of the current state including the log so far.
func (t *Tracker) Snapshot() domain.Snapshot {
	s := t.snap
	s.CurrentLog = t.Log()
	return s
}
