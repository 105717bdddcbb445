// Package rpc defines the call-site abstractions of the framework: an
// Invoker is anything callable with an Invocation yielding a Result, an
// Exporter is a locally-live endpoint that can be torn down, and a
// Protocol turns service URLs into Invokers and Exporters.
package rpc

import (
	"reflect"
)

// Invocation carries one call: method name, parameter types, arguments
// and string-keyed attachments.
type Invocation struct {
	MethodName     string
	ParameterTypes []reflect.Type
	Arguments      []any

	attachments map[string]string
	invoker     Invoker
}

// NewInvocation builds an invocation. paramTypes may be nil when the
// target method is not overloaded.
func NewInvocation(method string, paramTypes []reflect.Type, args []any) *Invocation {
	return &Invocation{
		MethodName:     method,
		ParameterTypes: paramTypes,
		Arguments:      args,
		attachments:    make(map[string]string),
	}
}

// Attachment reads an attachment with a default.
func (inv *Invocation) Attachment(key, def string) string {
	if v, ok := inv.attachments[key]; ok && v != "" {
		return v
	}
	return def
}

// SetAttachment sets an attachment.
func (inv *Invocation) SetAttachment(key, value string) {
	if inv.attachments == nil {
		inv.attachments = make(map[string]string)
	}
	inv.attachments[key] = value
}

// Attachments returns a copy of the attachment map.
func (inv *Invocation) Attachments() map[string]string {
	out := make(map[string]string, len(inv.attachments))
	for k, v := range inv.attachments {
		out[k] = v
	}
	return out
}

// Invoker returns the invoker the invocation is currently bound to.
func (inv *Invocation) Invoker() Invoker { return inv.invoker }

// SetInvoker binds the invocation to an invoker.
func (inv *Invocation) SetInvoker(i Invoker) { inv.invoker = i }

// Result carries the outcome of one call: a value or an error, plus
// attachments.
type Result struct {
	Value       any
	Err         error
	Attachments map[string]string
}

// NewResult wraps a successful value.
func NewResult(value any) Result { return Result{Value: value} }

// ErrorResult wraps a failure.
func ErrorResult(err error) Result { return Result{Err: err} }
