package models

// Response is the envelope of every JSON API reply.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse wraps a page of items.
type ListResponse struct {
	Items interface{} `json:"items"`
	Total int64       `json:"total"`
}
