package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NotFoundError is returned when a referenced teacher, group, student or grade does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func NewNotFoundError(entity, key string) error {
	return &NotFoundError{Entity: entity, Key: key}
}

func (err *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", err.Entity, err.Key)
}

// FieldError describes a problem with a single input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError is returned when input falls outside its allowed domain.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(flds ...FieldError) error {
	return &ValidationError{Fields: flds}
}

func (err *ValidationError) Error() string {
	msgs := make([]string, 0, len(err.Fields))
	for _, f := range err.Fields {
		msgs = append(msgs, f.Field+": "+f.Error)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// StorageQuotaError is returned when the local store is exhausted.
type StorageQuotaError struct {
	Needed int64 // bytes the write required, 0 when unknown
	Limit  int64
	Err    error
}

func (err *StorageQuotaError) Error() string {
	if err.Err != nil {
		return "local storage quota exceeded: " + err.Err.Error()
	}
	return fmt.Sprintf("local storage quota exceeded: need %d bytes, limit %d", err.Needed, err.Limit)
}

func (err *StorageQuotaError) Unwrap() error { return err.Err }

// LocalSaveError is returned when the local store rejects a write for a
// reason other than its quota. The in-memory change still stands.
type LocalSaveError struct {
	Err error
}

func (err *LocalSaveError) Error() string {
	return "local save failed: " + err.Err.Error()
}

func (err *LocalSaveError) Unwrap() error { return err.Err }

// RemoteUnavailableError is returned when the remote store cannot be reached.
type RemoteUnavailableError struct {
	Err error
}

func (err *RemoteUnavailableError) Error() string {
	return "remote unavailable: " + err.Err.Error()
}

func (err *RemoteUnavailableError) Unwrap() error { return err.Err }

// RemoteWriteError is returned when a remote batch write fails as a whole.
type RemoteWriteError struct {
	Err error
}

func (err *RemoteWriteError) Error() string {
	return "remote write failed: " + err.Err.Error()
}

func (err *RemoteWriteError) Unwrap() error { return err.Err }

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsStorageQuota(err error) bool {
	var e *StorageQuotaError
	return errors.As(err, &e)
}

func IsLocalSave(err error) bool {
	var e *LocalSaveError
	return errors.As(err, &e)
}

// IsSaveWarning reports whether err only means the change was not persisted
// locally.
func IsSaveWarning(err error) bool {
	return IsStorageQuota(err) || IsLocalSave(err)
}

func IsRemoteUnavailable(err error) bool {
	var e *RemoteUnavailableError
	return errors.As(err, &e)
}

func IsRemoteWrite(err error) bool {
	var e *RemoteWriteError
	return errors.As(err, &e)
}
