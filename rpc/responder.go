package rpc

// Responder sends the response for a request. Only the first Return is sent.
type Responder interface {
	// Return responds with v as data, or with the error description if v is an error.
	Return(interface{}) error
}
