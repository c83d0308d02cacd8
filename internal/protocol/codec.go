package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxInboundFrameBytes bounds a single client frame. Image frames carry
// base64 payloads up to 8 MiB decoded, so allow ~11 MiB encoded plus
// envelope slack.
const MaxInboundFrameBytes = 12 * 1024 * 1024

// MaxImageBytes is the decoded size cap for image frames.
const MaxImageBytes = 8 * 1024 * 1024

// InvalidMessageError marks an inbound frame that failed decoding or
// validation. The connection stays open; the hub answers with an error
// frame carrying CodeInvalidMessage.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "invalid message: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &InvalidMessageError{Reason: fmt.Sprintf(format, args...)}
}

// Encode wraps a server frame in its type envelope.
func Encode(f ServerFrame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.frameType(), err)
	}
	return injectType(f.frameType(), body)
}

// EncodeClient wraps a client frame in its type envelope. Used by the
// client library and tests.
func EncodeClient(f ClientFrame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.clientFrameType(), err)
	}
	return injectType(f.clientFrameType(), body)
}

// injectType splices `"type":"..."` into an already-marshaled object.
// Frames are small; re-marshaling through a map would lose field order
// and cost more than this does.
func injectType(typ string, body []byte) ([]byte, error) {
	tag, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	if len(body) == 2 { // "{}"
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeClient parses and validates one inbound frame. Unknown types,
// malformed JSON and failed validation all return *InvalidMessageError.
func DecodeClient(data []byte) (ClientFrame, error) {
	if len(data) > MaxInboundFrameBytes {
		return nil, invalidf("frame exceeds %d bytes", MaxInboundFrameBytes)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidf("malformed JSON: %v", err)
	}
	if env.Type == "" {
		return nil, invalidf("missing type")
	}

	var f ClientFrame
	switch env.Type {
	case "request-sync":
		f = &RequestSync{}
	case "input":
		f = &Input{}
	case "resize":
		f = &Resize{}
	case "image":
		f = &Image{}
	case "request-history":
		f = &RequestHistory{}
	case "user-message":
		f = &UserMessage{}
	case "cancel":
		f = &Cancel{}
	case "request-sdk-history":
		f = &RequestSDKHistory{}
	case "refresh":
		f = &Refresh{}
	case "set-base-commit":
		f = &SetBaseCommit{}
	case "set-target-commit":
		f = &SetTargetCommit{}
	case "request-expand":
		f = &RequestExpand{}
	default:
		return nil, invalidf("unknown type %q", env.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, invalidf("malformed %s frame: %v", env.Type, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (RequestSync) validate() error { return nil }

func (f Input) validate() error {
	if !utf8.ValidString(f.Data) {
		return invalidf("input data is not valid UTF-8")
	}
	return nil
}

func (f Resize) validate() error {
	if f.Cols < 1 || f.Cols > 10000 || f.Rows < 1 || f.Rows > 10000 {
		return invalidf("resize dimensions %dx%d out of range", f.Cols, f.Rows)
	}
	return nil
}

func (f Image) validate() error {
	if !strings.HasPrefix(f.MimeType, "image/") {
		return invalidf("unsupported mime type %q", f.MimeType)
	}
	if f.Data == "" {
		return invalidf("image data is required")
	}
	if base64.StdEncoding.DecodedLen(len(f.Data)) > MaxImageBytes {
		return invalidf("image exceeds %d bytes", MaxImageBytes)
	}
	return nil
}

func (f RequestHistory) validate() error {
	if f.FromOffset != nil && *f.FromOffset < 0 {
		return invalidf("fromOffset must be non-negative")
	}
	return nil
}

func (f UserMessage) validate() error {
	if f.Content == "" {
		return invalidf("content is required")
	}
	if !utf8.ValidString(f.Content) {
		return invalidf("content is not valid UTF-8")
	}
	return nil
}

func (Cancel) validate() error            { return nil }
func (RequestSDKHistory) validate() error { return nil }
func (Refresh) validate() error           { return nil }

func (f SetBaseCommit) validate() error {
	return validateRef(f.Ref)
}

func (f SetTargetCommit) validate() error {
	if f.Ref == TargetWorkingDir {
		return nil
	}
	return validateRef(f.Ref)
}

func (f RequestExpand) validate() error {
	if f.Path == "" || strings.Contains(f.Path, "..") {
		return invalidf("invalid path %q", f.Path)
	}
	if f.StartLine < 1 || f.EndLine < f.StartLine {
		return invalidf("invalid line range %d-%d", f.StartLine, f.EndLine)
	}
	return nil
}

// validateRef rejects strings git would refuse or that could smuggle
// command-line options. Full resolution happens in the diff engine.
func validateRef(ref string) error {
	if ref == "" {
		return invalidf("ref is required")
	}
	if len(ref) > 256 {
		return invalidf("ref too long")
	}
	if strings.HasPrefix(ref, "-") {
		return invalidf("ref must not start with '-'")
	}
	for _, r := range ref {
		if r < 0x20 || r == 0x7f || r == ' ' {
			return invalidf("ref contains invalid character")
		}
	}
	return nil
}
