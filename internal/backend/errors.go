package backend

// statusCoder is implemented by the HTTP-backed SDK error types (Anthropic,
// OpenAI, and the OpenAI-compatible Ollama/Gemini clients all expose the
// response status code on their error type under this shape).
type statusCoder interface {
	StatusCode() int
}

// statusCodeFromError extracts an HTTP status code from an SDK error, if
// the concrete error type exposes one.
func statusCodeFromError(err error) (int, bool) {
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode(), true
	}
	return 0, false
}
