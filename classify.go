package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CallKind tags how a tool invocation arrived.
type CallKind int

const (
	// CallUnknown is anything that is not a tool invocation. It is
	// forwarded without charge.
	CallUnknown CallKind = iota
	// CallRPC is a JSON-RPC "tools/call" request, or a gRPC method.
	CallRPC
	// CallPath names the tool in the resource path ("/tools/{name}").
	CallPath
)

func (k CallKind) String() string {
	switch k {
	case CallRPC:
		return "rpc"
	case CallPath:
		return "path"
	default:
		return "unknown"
	}
}

// Call is a classified inbound request.
type Call struct {
	Kind     CallKind
	Tool     string
	Resource string
}

// DefaultMaxBodyBytes bounds how much of a request body is buffered for
// classification.
const DefaultMaxBodyBytes = 1 << 20

type rpcEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

// Classifier turns HTTP requests into Calls.
type Classifier struct {
	PathPrefix   string
	MaxBodyBytes int64
}

// Classify inspects r once. A JSON body with method "tools/call" and a
// params.name wins over the path. The body is restored so it can still be
// forwarded.
//
// A POST body that may hide a tool call but cannot be priced is an error
// rather than a free call: an oversized body, a batch containing a tool
// call, or a malformed body mentioning "tools/call".
func (c Classifier) Classify(r *http.Request) (Call, error) {
	resource := r.URL.Path

	tool, err := c.rpcTool(r)
	if err != nil {
		return Call{Kind: CallUnknown, Resource: resource}, err
	}
	if tool != "" {
		return Call{Kind: CallRPC, Tool: tool, Resource: resource}, nil
	}

	prefix := c.PathPrefix
	if prefix == "" {
		prefix = DefaultToolPathPrefix
	}
	if rest, ok := strings.CutPrefix(resource, prefix); ok {
		name, _, _ := strings.Cut(rest, "/")
		if name != "" {
			return Call{Kind: CallPath, Tool: name, Resource: resource}, nil
		}
	}

	return Call{Kind: CallUnknown, Resource: resource}, nil
}

// rpcTool returns the tool named by a JSON-RPC body, or "" when the body is
// not a tool call. The Content-Type is ignored: upstreams commonly parse
// the body whatever it claims to be.
func (c Classifier) rpcTool(r *http.Request) (string, error) {
	if r.Method != http.MethodPost || r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	// Whatever was read goes back in front of the unread remainder.
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	if err != nil {
		return "", NewPaymentError(ErrCodeValidation, "failed to read request body", err)
	}
	if int64(len(body)) > limit {
		return "", NewPaymentError(ErrCodeRequestTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", limit), nil)
	}

	// The first JSON value is what a lenient decoder upstream would act on.
	var raw json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&raw); err != nil {
		return "", unparseable(body)
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []rpcEnvelope
		if err := json.Unmarshal(raw, &batch); err != nil {
			return "", unparseable(body)
		}
		for _, env := range batch {
			if env.Method == rpcToolCall {
				return "", NewPaymentError(ErrCodeValidation, "batched tool calls are not supported", nil)
			}
		}
		return "", nil
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", unparseable(body)
	}
	if env.Method != rpcToolCall {
		return "", nil
	}
	if env.Params.Name == "" {
		return "", NewPaymentError(ErrCodeValidation, "tools/call requires params.name", nil)
	}
	return env.Params.Name, nil
}

const rpcToolCall = "tools/call"

// unparseable rejects bodies that mention a tool call but do not decode;
// anything else is left to the upstream.
func unparseable(body []byte) error {
	if bytes.Contains(body, []byte(rpcToolCall)) {
		return NewPaymentError(ErrCodeValidation, "malformed tools/call request", nil)
	}
	return nil
}
