package httpclient

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// root mirrors the GameStream response envelope: a <root> element whose
// status_code attribute signals success (200) or failure, with an
// arbitrary bag of named leaf children underneath.
type root struct {
	XMLName    xml.Name `xml:"root"`
	StatusCode int      `xml:"status_code,attr"`
	StatusMsg  string   `xml:"status_message,attr"`
	Leaves     []leaf   `xml:",any"`
}

type leaf struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// parseRoot decodes the <root> envelope and raises HostProtocolError when
// status_code is not 200.
func parseRoot(body []byte) (root, error) {
	var r root
	if err := xml.Unmarshal(body, &r); err != nil {
		return root{}, fmt.Errorf("httpclient: decode XML response: %w", err)
	}
	if r.StatusCode != 200 {
		msg := r.StatusMsg
		if msg == "" {
			msg = "unspecified host error"
		}
		return r, &HostProtocolError{StatusCode: r.StatusCode, Message: msg}
	}
	return r, nil
}

// leafText extracts a named leaf's text content. ok is false when the
// leaf is absent.
func leafText(r root, name string) (string, bool) {
	for _, l := range r.Leaves {
		if l.XMLName.Local == name {
			return strings.TrimSpace(l.Value), true
		}
	}
	return "", false
}

// leafHex extracts a named leaf and hex-decodes its text content.
func leafHex(r root, name string) ([]byte, bool, error) {
	text, ok := leafText(r, name)
	if !ok {
		return nil, false, nil
	}
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, true, fmt.Errorf("httpclient: hex-decode leaf %q: %w", name, err)
	}
	return raw, true, nil
}

// Response is the exported view of a decoded <root> envelope, usable by
// callers outside this package (the pairing engine) that need to read
// named leaves without depending on the unexported root/leaf types.
type Response struct {
	StatusCode    int
	StatusMessage string
	r             root
}

// ParseResponse decodes body as a <root> envelope. It returns
// *HostProtocolError when status_code is not 200, mirroring parseRoot.
func ParseResponse(body []byte) (Response, error) {
	r, err := parseRoot(body)
	resp := Response{StatusCode: r.StatusCode, StatusMessage: r.StatusMsg, r: r}
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// Text returns a named leaf's trimmed text content.
func (resp Response) Text(name string) (string, bool) {
	return leafText(resp.r, name)
}

// Hex returns a named leaf's text content hex-decoded.
func (resp Response) Hex(name string) ([]byte, bool, error) {
	return leafHex(resp.r, name)
}

// ParseVersion parses a dotted version string ("7.1.431.0") into its
// component integers. Missing trailing components compare as 0, so
// ParseVersion("1") equals ParseVersion("1.0.0") under CompareVersions.
func ParseVersion(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}

// CompareVersions compares two dotted-quad version vectors component by
// component, treating a shorter vector's missing components as 0.
// Returns -1, 0, or 1.
func CompareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
