package cassette

import "strings"

// Response is the result of Send. A guest reply without newlines yields a
// single message; a newline-delimited reply yields an ordered list, possibly
// empty after filtering. Callers must handle both shapes, or use Messages.
type Response struct {
	single   string
	messages []string
	isSingle bool
}

// SingleResponse wraps one message.
func SingleResponse(msg string) Response {
	return Response{single: msg, isSingle: true}
}

// ListResponse wraps an ordered list of messages.
func ListResponse(msgs []string) Response {
	return Response{messages: msgs}
}

// IsSingle reports whether the response holds exactly one unsplit message.
func (r Response) IsSingle() bool {
	return r.isSingle
}

// Single returns the message of a single response.
func (r Response) Single() (string, bool) {
	return r.single, r.isSingle
}

// Messages returns the response as a list. A single response becomes a
// one-element list.
func (r Response) Messages() []string {
	if r.isSingle {
		return []string{r.single}
	}
	return r.messages
}

// Len returns the number of messages.
func (r Response) Len() int {
	if r.isSingle {
		return 1
	}
	return len(r.messages)
}

// String joins the messages with newlines.
func (r Response) String() string {
	return strings.Join(r.Messages(), "\n")
}
