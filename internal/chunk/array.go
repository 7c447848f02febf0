package chunk

import "context"

// Array is array-like data that may or may not be in memory yet.
// Materializing a lazy array can perform I/O or computation, which is
// why the loader runs it in a worker pool.
type Array interface {
	// InMemory reports whether the data is already a concrete in-memory
	// array, i.e. Materialize will return without blocking.
	InMemory() bool

	// Materialize produces the in-memory form.
	Materialize(ctx context.Context) (*NDArray, error)
}

// NDArray is a materialized n-dimensional array: raw bytes plus shape
// and dtype metadata. It is its own (trivially materialized) Array.
type NDArray struct {
	// Shape is the extent of each axis, e.g. [rows, cols] or
	// [rows, cols, 4] for RGBA.
	Shape []int

	// DType names the element type, numpy style: "uint8" etc.
	DType string

	// Data is the raw row-major buffer.
	Data []byte
}

// InMemory always reports true.
func (a *NDArray) InMemory() bool { return true }

// Materialize returns the array itself.
func (a *NDArray) Materialize(ctx context.Context) (*NDArray, error) {
	return a, nil
}

// NBytes returns the size of the buffer in bytes.
func (a *NDArray) NBytes() int {
	return len(a.Data)
}

// ArrayFunc adapts a function into a lazy Array.
type ArrayFunc func(ctx context.Context) (*NDArray, error)

// InMemory always reports false.
func (f ArrayFunc) InMemory() bool { return false }

// Materialize calls the function.
func (f ArrayFunc) Materialize(ctx context.Context) (*NDArray, error) {
	return f(ctx)
}
