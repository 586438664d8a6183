package chunk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
)

const (
	// FileRangeHeader is the dedicated acknowledgement header.
	FileRangeHeader = "FileRange"
	// RangeHeader is the generic range header, consulted when FileRange is missing.
	RangeHeader = "Range"
)

var rangePattern = regexp.MustCompile(`(?m)^(\d*)-(\d*)/(\d+)`)

// ByteRange is the server's acknowledgement of the bytes received so far in a session.
// End is inclusive and 0-based.
type ByteRange struct {
	Start int64
	End   int64
	Size  int64
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d/%d", r.Start, r.End, r.Size)
}

// FileNode is the file resource the server returns once a session is complete.
type FileNode struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	CreationDate   int64  `json:"creationDate"`
	LastUpdateDate int64  `json:"lastUpdateDate"`
	MimeType       string `json:"mimeType"`

	URL      string `json:"url"`
	Icon     string `json:"icon"`
	Square   string `json:"square"`
	Original string `json:"original"`
	Poster   string `json:"poster"`
}

// Outcome is the result of a chunk transfer: either more bytes are needed (Range)
// or the upload is complete (File). Exactly one field is set.
type Outcome struct {
	Range *ByteRange
	File  *FileNode
}

// Terminal reports whether the server returned the final file resource.
func (o Outcome) Terminal() bool {
	return o.File != nil
}

// ParseRange matches `start-end/total` at the start of any line of s.
// A missing end defaults to total, a missing start defaults to end.
func ParseRange(s string) (ByteRange, bool) {
	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return ByteRange{}, false
	}

	size, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return ByteRange{}, false
	}

	end := size
	if m[2] != "" {
		if end, err = strconv.ParseInt(m[2], 10, 64); err != nil {
			return ByteRange{}, false
		}
	}

	start := end
	if m[1] != "" {
		if start, err = strconv.ParseInt(m[1], 10, 64); err != nil {
			return ByteRange{}, false
		}
	}

	return ByteRange{Start: start, End: end, Size: size}, true
}

// parseResponse decodes a successful response. The range grammar is tried first,
// on the FileRange header, then the Range header, then the body. Only when none of
// them is a range is the body decoded as a JSON array of file resources.
func parseResponse(header http.Header, body []byte) (Outcome, error) {
	source := header.Get(FileRangeHeader)
	if source == "" {
		source = header.Get(RangeHeader)
	}
	if source == "" {
		source = string(body)
	}

	if r, ok := ParseRange(source); ok {
		return Outcome{Range: &r}, nil
	}

	var nodes []*FileNode
	if err := json.Unmarshal(body, &nodes); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnparsableResponse, err)
	}
	if len(nodes) == 0 || nodes[0] == nil {
		return Outcome{}, fmt.Errorf("%w: no file resource in body", ErrUnparsableResponse)
	}

	return Outcome{File: nodes[0]}, nil
}
