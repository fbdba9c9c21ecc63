package logging

import (
	"fmt"
	"runtime"
	"strings"
)

// Payload is the resolved form of the data argument of a logging call:
// either StructuredData or a CapturedError.
type Payload interface {
	payload()
}

// StructuredData is a plain structured payload.
type StructuredData map[string]any

func (StructuredData) payload() {}

// CapturedError is an error value normalised at build time.
type CapturedError struct {
	Name    string
	Message string
	Stack   string
}

func (CapturedError) payload() {}

// NamedError lets an error report its own type name.
type NamedError interface {
	error
	ErrorName() string
}

// StackError lets an error report its own stack representation.
type StackError interface {
	error
	ErrorStack() string
}

const (
	maxCauseDepth = 32
	maxFrames     = 32
)

// ResolvePayload classifies the raw data argument of a logging call.
// It returns nil when there is no payload.
func ResolvePayload(data any) Payload {
	switch v := data.(type) {
	case nil:
		return nil
	case StructuredData:
		return v
	case Fields:
		return StructuredData(v)
	case map[string]any:
		return StructuredData(v)
	case CapturedError:
		return v
	case error:
		return CaptureError(v)
	default:
		return StructuredData{"value": v}
	}
}

// CaptureError records the name, message and stack of err. Methods of err
// that panic, such as Error on a nil pointer, fall back to "<nil>" and the
// dynamic type name.
func CaptureError(err error) CapturedError {
	name := errorName(err)
	return CapturedError{
		Name:    name,
		Message: errorMessage(err),
		Stack:   errorStack(err, name),
	}
}

const nilMessage = "<nil>"

// safeString calls fn and returns fallback if it panics.
func safeString(fn func() string, fallback string) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fallback
		}
	}()
	return fn()
}

func errorMessage(err error) string {
	return safeString(func() string { return err.Error() }, nilMessage)
}

func errorName(err error) string {
	typeName := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if named, ok := err.(NamedError); ok {
		return safeString(func() string { return named.ErrorName() }, typeName)
	}
	return typeName
}

func errorStack(err error, name string) string {
	message := errorMessage(err)
	if st, ok := err.(StackError); ok {
		return safeString(func() string { return st.ErrorStack() }, name+": "+message)
	}

	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(message)
	b.WriteByte('\n')

	writeCauses(&b, err, 0)
	writeFrames(&b, 4)

	return strings.TrimRight(b.String(), "\n")
}

// unwrap returns the direct causes of err, including errors.Join branches.
// A panicking Unwrap yields no causes.
func unwrap(err error) (causes []error) {
	defer func() {
		if r := recover(); r != nil {
			causes = nil
		}
	}()

	switch u := err.(type) {
	case interface{ Unwrap() error }:
		if c := u.Unwrap(); c != nil {
			causes = append(causes, c)
		}
	case interface{ Unwrap() []error }:
		causes = u.Unwrap()
	}
	return causes
}

// writeCauses walks the wrap chain of err.
func writeCauses(b *strings.Builder, err error, depth int) {
	if depth >= maxCauseDepth {
		return
	}

	for _, c := range unwrap(err) {
		if c == nil {
			continue
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("caused by ")
		b.WriteString(errorName(c))
		b.WriteString(": ")
		b.WriteString(errorMessage(c))
		b.WriteByte('\n')
		writeCauses(b, c, depth+1)
	}
}

// writeFrames appends the goroutine frames of the capture site, skipping
// this package's own frames.
func writeFrames(b *strings.Builder, skip int) {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "/internal/logging.") &&
			!strings.Contains(frame.Function, "/internal/client.") &&
			!strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(b, "\t%s\n\t\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
}
