package bridge

import (
	"context"
	"encoding/json"

	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
)

// Handler processes one method call. Middleware calls c.Next() to delegate to
// the rest of the chain.
type Handler func(c *Context)

// Context carries one method call through the handler chain.
type Context struct {
	// Context is the request context, cancelled when the caller gives up.
	Context context.Context
	Method  string
	Origin  string
	Params  json.RawMessage

	Result any
	Err    *errcode.Error

	handlers []Handler
}

// Next runs the next handler in the chain, if any.
func (c *Context) Next() {
	if len(c.handlers) == 0 {
		return
	}

	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

// Succeed sets the method result and clears any earlier error.
func (c *Context) Succeed(result any) {
	c.Result = result
	c.Err = nil
}

// Fail classifies err into the closed error set. A nil err records an
// Internal error so that a failed call is never reported as a success.
func (c *Context) Fail(err error) {
	if err == nil {
		err = errcode.New(errcode.Internal, "request failed")
	}
	c.Result = nil
	c.Err = errcode.Classify(err)
}

// Logger returns the request-scoped logger.
func (c *Context) Logger() log.Logger {
	return log.FromContext(c.Context)
}

type originKey struct{}

func withOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// originFrom returns the calling origin stored by Request, or "".
func originFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
