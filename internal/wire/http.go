package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxContentLengthHeaderScan is how far into a request/response we will
// scan for header lines before giving up. Bodies may be binary and must
// never be scanned as text past this point.
const MaxContentLengthHeaderScan = 4096

// MaxContentLength is the hard cap on any claimed Content-Length. A
// header declaring more than this yields "no length parsed" rather than
// a parsed-but-rejected value, so callers cannot tell an over-cap
// declaration apart from a missing or malformed header.
const MaxContentLength = 100 * 1024 * 1024

// BuildRequest renders a minimal HTTP/1.1 request: Connection: close, no
// chunked transfer, CRLF-terminated ASCII headers.
func BuildRequest(method, path string, body []byte, contentType string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	b.WriteString("Connection: close\r\n")
	if len(body) > 0 {
		if contentType != "" {
			fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
		}
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// statusText maps the small set of status codes this system emits to
// their reason phrase. Anything else falls back to "Unknown".
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 409:
		return "Conflict"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// BuildResponse renders a minimal HTTP/1.1 response with the same
// framing rules as BuildRequest.
func BuildResponse(status int, body []byte, contentType string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	if contentType == "" {
		contentType = "text/plain"
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// ParseRequestLine reads only up to the first CRLF and returns the
// method and path. It never attempts to interpret bytes past that line,
// since the body may be binary.
func ParseRequestLine(data []byte) (method, path string, ok bool) {
	idx := bytes.Index(data, []byte("\r\n"))
	line := data
	if idx >= 0 {
		line = data[:idx]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// ParseContentLength scans only the header block (bounded by
// MaxContentLengthHeaderScan or the first CRLF CRLF, whichever comes
// first) for a case-insensitive "Content-Length:" header. Negative
// values and values larger than MaxContentLength are treated as
// "no length parsed".
func ParseContentLength(data []byte) (int, bool) {
	scanLimit := len(data)
	if scanLimit > MaxContentLengthHeaderScan {
		scanLimit = MaxContentLengthHeaderScan
	}
	headerBlock := data[:scanLimit]
	if end := bytes.Index(headerBlock, []byte("\r\n\r\n")); end >= 0 {
		headerBlock = headerBlock[:end]
	}

	for _, rawLine := range bytes.Split(headerBlock, []byte("\r\n")) {
		line := string(rawLine)
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		if !strings.EqualFold(name, "Content-Length") {
			continue
		}
		valStr := strings.TrimSpace(line[colon+1:])
		val, err := strconv.Atoi(valStr)
		if err != nil || val < 0 || val > MaxContentLength {
			return 0, false
		}
		return val, true
	}
	return 0, false
}

// ParseContentLengthUncapped is like ParseContentLength but has no upper
// bound of its own — only negative and non-numeric values are rejected.
// The /update handler uses this directly so it can tell "larger than my
// own 50 MiB payload cap" (413) apart from "not a number at all" (400);
// ParseContentLength's 100 MiB hard cap folds both cases into one
// "unparseable" result, which is the right behavior for general request
// framing but not for that specific status-code distinction.
func ParseContentLengthUncapped(data []byte) (int, bool) {
	scanLimit := len(data)
	if scanLimit > MaxContentLengthHeaderScan {
		scanLimit = MaxContentLengthHeaderScan
	}
	headerBlock := data[:scanLimit]
	if end := bytes.Index(headerBlock, []byte("\r\n\r\n")); end >= 0 {
		headerBlock = headerBlock[:end]
	}

	for _, rawLine := range bytes.Split(headerBlock, []byte("\r\n")) {
		line := string(rawLine)
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		if !strings.EqualFold(name, "Content-Length") {
			continue
		}
		valStr := strings.TrimSpace(line[colon+1:])
		val, err := strconv.Atoi(valStr)
		if err != nil || val < 0 {
			return 0, false
		}
		return val, true
	}
	return 0, false
}

// ExtractBody returns the bytes following the first CRLF CRLF, or false
// if no header terminator was found in the scanned prefix.
func ExtractBody(data []byte) ([]byte, bool) {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, false
	}
	return data[idx+4:], true
}
