package models

import "github.com/zeebo/errs"

// Error kinds reported by the upload pipeline.
var (
	ErrInvalidArchive   = errs.Class("invalid archive")
	ErrValidationFailed = errs.Class("validation failed")
	ErrNotFound         = errs.Class("not found")
	ErrConflict         = errs.Class("conflict")
	ErrUploadFailed     = errs.Class("upload failed")
	ErrStorageFailure   = errs.Class("storage failure")
)
