package agent

type ResponseType string

const (
	ResponseText  ResponseType = "text"
	ResponseData  ResponseType = "data"
	ResponseError ResponseType = "error"
)

// User-facing messages. Database and model errors never reach the caller
// verbatim.
const (
	MessageInvalidToolCall = "I had trouble understanding how to search for that. Could you rephrase your request?"
	MessageSearchFailed    = "I couldn't complete that search right now. Please try again in a moment."
	MessageModelFailed     = "I'm sorry, I'm having trouble responding right now. Please try again."
	MessageUnexpected      = "I'm sorry, I encountered an unexpected error. Please try again."
	MessageEmptyInput      = "Please tell me what kind of contacts you are looking for."
)

// Response is the tagged union returned across the HTTP boundary: a text
// reply, a data table with its narration, or a sanitized error.
type Response struct {
	Type    ResponseType     `json:"type"`
	Content string           `json:"content,omitempty"`
	Summary string           `json:"summary,omitempty"`
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`
	Message string           `json:"message,omitempty"`
}

func TextResponse(content string) Response {
	return Response{Type: ResponseText, Content: content}
}

func DataResponse(summary string, columns []string, rows []map[string]any) Response {
	return Response{Type: ResponseData, Summary: summary, Columns: columns, Rows: rows}
}

func ErrorResponse(message string) Response {
	return Response{Type: ResponseError, Message: message}
}

// Rendered is the assistant text stored in session history.
func (r Response) Rendered() string {
	switch r.Type {
	case ResponseText:
		return r.Content
	case ResponseData:
		return r.Summary
	default:
		return r.Message
	}
}
