package blob

// JSON protocol spoken between the blob daemon and Client over a Unix
// domain socket. One request -> one response per connection round trip.

type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpList   Op = "list"
	OpDelete Op = "delete"
)

// Error codes carried in Response.Code so sentinel errors survive the wire.
const (
	codeNotFound  = "not_found"
	codeInvalidID = "invalid_id"
)

type Request struct {
	Op   Op     `json:"op"`
	ID   string `json:"id,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type Response struct {
	OK      bool     `json:"ok"`
	ID      string   `json:"id,omitempty"`
	Data    []byte   `json:"data,omitempty"`
	Records []Record `json:"records,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}
