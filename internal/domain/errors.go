package domain

import "errors"

// Category classifies an error for retry policy purposes. Transient
// infrastructure failures are retryable by default; validation and
// permission errors are typically deny-listed per queue.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryValidation Category = "validation"
	CategoryPermission Category = "permission"
	CategoryNotFound   Category = "not_found"
	CategoryInternal   Category = "internal"
)

type categorizedError struct {
	cat Category
	err error
}

func (e *categorizedError) Error() string { return e.err.Error() }
func (e *categorizedError) Unwrap() error { return e.err }

// Categorize tags err with a category. The tag survives wrapping with
// pkg/errors and fmt %w chains.
func Categorize(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &categorizedError{cat: cat, err: err}
}

// CategoryOf returns the innermost category tag on err, or
// CategoryInternal when the error carries no tag.
func CategoryOf(err error) Category {
	var ce *categorizedError
	if errors.As(err, &ce) {
		return ce.cat
	}
	return CategoryInternal
}
