// Package armadacontext extends context.Context with a structured logger so call chains carry
// both cancellation and logging fields without a second parameter.
package armadacontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Context bundles a standard context.Context with a contextual logger.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background returns an empty Context with a default logger, analogous to context.Background().
func Background() *Context {
	return &Context{
		Context: context.Background(),
		Log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

// New wraps an existing context.Context and logger into a Context.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{Context: ctx, Log: log}
}

// WithLogField returns a copy of ctx whose logger carries an additional field.
func WithLogField(ctx *Context, key string, value interface{}) *Context {
	return &Context{Context: ctx.Context, Log: ctx.Log.WithField(key, value)}
}

// WithCancel mirrors context.WithCancel while preserving the logger.
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return &Context{Context: c, Log: parent.Log}, cancel
}

// WithTimeout mirrors context.WithTimeout while preserving the logger.
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return &Context{Context: c, Log: parent.Log}, cancel
}
