package response

// Response represents a standard API response format
type Response struct {
	Status     string         `json:"status"`      // "success" or "error"
	StatusCode int            `json:"status_code"` // HTTP status code
	Data       interface{}    `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Success returns a standard success response wrapping the data
func Success(statusCode int, data interface{}) Response {
	return Response{
		Status:     "success",
		StatusCode: statusCode,
		Data:       data,
	}
}

// Error returns a standard error response wrapping the error message
func Error(statusCode int, err string) Response {
	return Response{
		Status:     "error",
		StatusCode: statusCode,
		Error:      err,
	}
}

// ErrorWithDetails is Error plus machine-readable context such as a lockout expiry
func ErrorWithDetails(statusCode int, err string, details map[string]any) Response {
	resp := Error(statusCode, err)
	resp.Details = details
	return resp
}

// Paginated wraps a page of results with its total count
type Paginated struct {
	Items interface{} `json:"items"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}
