package repository

import "errors"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListOptions defines pagination and ordering for list queries
type ListOptions struct {
	Offset  int  `json:"offset"`   // Number of records to skip
	Limit   int  `json:"limit"`    // Maximum number of records to return
	NoCount bool `json:"no_count"` // Skip total count query
}

// SetPagination converts a 1-based page number into offset and limit.
func (o *ListOptions) SetPagination(page, pageSize int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	o.Limit = pageSize
	o.Offset = (page - 1) * pageSize
}

// Page returns the 1-based page number matching Offset and Limit.
func (o *ListOptions) Page() int {
	if o.Limit <= 0 {
		return 1
	}
	return o.Offset/o.Limit + 1
}

// Validate validates the ListOptions and sets defaults
func (o *ListOptions) Validate() error {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	if o.Limit > MaxPageSize {
		return errors.New("limit exceeds maximum allowed value")
	}
	if o.Offset < 0 {
		return errors.New("offset must be non-negative")
	}
	return nil
}
