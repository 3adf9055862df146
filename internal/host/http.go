package host

import (
	"fmt"
	"io"

	"replicad/internal/bridge"
)

// HTTPRequest is the adapted request object handed to plain (non-adapter)
// handlers for HTTP calls.
type HTTPRequest struct {
	Method  string
	Path    string
	Query   string
	Headers []bridge.Header
	Body    io.Reader
}

// Header returns the first header value matching name, or "".
func (r *HTTPRequest) Header(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// HTTPResponse lets a handler control the response line explicitly.
// Any other result value is serialized as a JSON 200.
type HTTPResponse struct {
	Status  int
	Headers []bridge.Header
	Body    []byte
}

// sendUserResult pushes a handler result over the message protocol. Used
// for plain handlers only; app-adapter handlers send their own messages.
func (h *UserCallableHost) sendUserResult(send bridge.Sender, result any) error {
	switch resp := result.(type) {
	case *HTTPResponse:
		sendResponse(send, *resp)
		return nil
	case HTTPResponse:
		sendResponse(send, resp)
		return nil
	default:
		body, err := h.serializer.Marshal(result)
		if err != nil {
			return err
		}
		sendResponse(send, HTTPResponse{
			Status:  200,
			Headers: []bridge.Header{{Name: "content-type", Value: "application/json"}},
			Body:    body,
		})
		return nil
	}
}

// synthesize500 reports a user-code failure to the HTTP caller before the
// error is re-raised to the transport.
func synthesize500(send bridge.Sender, err error) {
	sendResponse(send, HTTPResponse{
		Status:  500,
		Headers: []bridge.Header{{Name: "content-type", Value: "text/plain"}},
		Body:    []byte(fmt.Sprintf("Unexpected error: %v", err)),
	})
}

func sendResponse(send bridge.Sender, resp HTTPResponse) {
	status := resp.Status
	if status == 0 {
		status = 200
	}
	send.Send(bridge.Message{Type: bridge.MessageResponseStart, Status: status, Headers: resp.Headers})
	send.Send(bridge.Message{Type: bridge.MessageResponseBody, Body: resp.Body, More: false})
}
