// Package protocol implements the line-oriented request/reply wire
// format read from standard input and written to standard output. See
// spec.md §4.7 and §6.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// UnsolicitedID is the reply id used for background-detected changes
// that were not requested by any in-flight request.
const UnsolicitedID = "_"

// ErrMalformed is returned by ParseRequest when the frame violates
// the wire grammar. Per spec.md §4.6, a malformed frame gets a
// `_ ERROR` reply and no ACK/FINISHED.
var ErrMalformed = errors.New("protocol: malformed request")

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Request is one parsed request frame: `<token> <VERB>[ <p1,p2,...>]`.
// HasParams distinguishes a verb with an explicitly empty parameter
// list (trailing space present, Params == [""]) from a verb with no
// parameter section at all (no trailing space, Params == nil).
type Request struct {
	Token     string
	Verb      string
	Params    []string
	HasParams bool
}

// ParseRequest parses one frame, already stripped of its trailing
// newline. Tokenisation: split on the first space into token and
// rest; split rest on the first space into verb and params; params
// split on comma with empty components significant.
func ParseRequest(line string) (Request, error) {
	tokenEnd := strings.IndexByte(line, ' ')
	if tokenEnd == -1 {
		return Request{}, fmt.Errorf("%w: no verb in frame %q", ErrMalformed, line)
	}

	token := line[:tokenEnd]
	if !tokenPattern.MatchString(token) {
		return Request{}, fmt.Errorf("%w: invalid token %q", ErrMalformed, token)
	}

	rest := line[tokenEnd+1:]
	if rest == "" {
		return Request{}, fmt.Errorf("%w: empty verb for token %q", ErrMalformed, token)
	}

	verbEnd := strings.IndexByte(rest, ' ')
	if verbEnd == -1 {
		return Request{Token: token, Verb: rest}, nil
	}

	verb := rest[:verbEnd]
	if verb == "" {
		return Request{}, fmt.Errorf("%w: empty verb for token %q", ErrMalformed, token)
	}
	paramsRaw := rest[verbEnd+1:]
	return Request{
		Token:     token,
		Verb:      verb,
		Params:    strings.Split(paramsRaw, ","),
		HasParams: true,
	}, nil
}

// ClientMessage strips ErrMalformed's internal `protocol: malformed
// request: ` prefix from a ParseRequest error, for use in the `_
// ERROR` reply — the prefix is for errors.Is/log call sites, not the
// client.
func ClientMessage(err error) string {
	return strings.TrimPrefix(err.Error(), ErrMalformed.Error()+": ")
}

// EncodeBase64 encodes arbitrary payload bytes for inclusion in a
// reply frame. Required whenever the payload might contain spaces,
// commas, newlines, or non-ASCII bytes.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a base64 payload received from a reply or
// request frame.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode base64: %w", err)
	}
	return data, nil
}

// EncodeKeyValuePairs renders the `k1:v1,k2:v2,...` payload shape used
// by FETCH_TICKET_KEY_VALUE_FIELDS, with each value base64-encoded.
func EncodeKeyValuePairs(pairs map[string]string) string {
	parts := make([]string, 0, len(pairs))
	for k, v := range pairs {
		parts = append(parts, k+":"+EncodeBase64([]byte(v)))
	}
	return strings.Join(parts, ",")
}

// AttachmentListEntry is one entry of FETCH_ATTACHMENT_LIST_FOR_TICKET's
// `uuid:base64(filename)` payload.
type AttachmentListEntry struct {
	UUID     string
	Filename string
}

// EncodeAttachmentList renders the `uuid:base64(filename),...` payload
// shape used by FETCH_ATTACHMENT_LIST_FOR_TICKET.
func EncodeAttachmentList(entries []AttachmentListEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.UUID+":"+EncodeBase64([]byte(e.Filename)))
	}
	return strings.Join(parts, ",")
}
