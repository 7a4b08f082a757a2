package walletrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownMethod is returned by DecodeRequest for a method name outside
	// the catalog.
	ErrUnknownMethod = errors.New("no function")
	// ErrInvalidParams is returned by DecodeRequest when the params do not
	// match the method's schema.
	ErrInvalidParams = errors.New("invalid params")
)

// Envelope is the outer request object.
type Envelope struct {
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("electrumurl", validElectrumURL); err != nil {
		panic(err)
	}
	return v
}

// validElectrumURL accepts tcp:// and ssl:// URLs with an explicit port.
func validElectrumURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	if u.Scheme != "tcp" && u.Scheme != "ssl" {
		return false
	}
	host, port, err := net.SplitHostPort(u.Host)
	return err == nil && host != "" && port != ""
}

// EncodeRequest serializes a catalog request into the wire envelope.
func EncodeRequest(req Request) (string, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(&Envelope{Method: req.Method(), Params: params})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeRequest parses a wire envelope into its catalog request. The
// returned error wraps ErrUnknownMethod or ErrInvalidParams when the
// envelope itself was well formed.
func DecodeRequest(raw []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("json Unmarshal error: %v", err)
	}
	newReq, found := catalog[env.Method]
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, env.Method)
	}
	req := newReq()
	params := env.Params
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, req); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidParams, env.Method, err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidParams, env.Method, err)
	}
	return req, nil
}

// EncodeResult serializes a success result. A nil result encodes as null.
func EncodeResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ErrorResponse builds the error envelope.
func ErrorResponse(format string, a ...any) string {
	b, _ := json.Marshal(&errorEnvelope{Error: fmt.Sprintf(format, a...)})
	return string(b)
}

// EngineError is an error reported by the engine through the error envelope.
// The message is carried verbatim.
type EngineError struct {
	Method  Method
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}

// ProtocolError means the response could not be interpreted as either a
// success for the called method or an error envelope.
type ProtocolError struct {
	Method Method
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeResponse interprets a response for method. A top-level object with
// an "error" key is an *EngineError. Anything else is decoded into out, and
// a mismatch is a *ProtocolError. A nil out expects a null result.
func DecodeResponse(method Method, raw string, out any) error {
	data := bytes.TrimSpace([]byte(raw))
	if !json.Valid(data) {
		return &ProtocolError{Method: method, Err: errors.New("response is not valid JSON")}
	}
	if len(data) > 0 && data[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return &ProtocolError{Method: method, Err: err}
		}
		if msg, found := obj["error"]; found {
			var s string
			if err := json.Unmarshal(msg, &s); err != nil {
				return &ProtocolError{Method: method, Err: fmt.Errorf("error value is not a string: %s", msg)}
			}
			return &EngineError{Method: method, Message: s}
		}
	}
	isNull := bytes.Equal(data, []byte("null"))
	if out == nil {
		if !isNull {
			return &ProtocolError{Method: method, Err: fmt.Errorf("expected null result, got %s", data)}
		}
		return nil
	}
	if isNull {
		return &ProtocolError{Method: method, Err: errors.New("unexpected null result")}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Method: method, Err: err}
	}
	return nil
}
