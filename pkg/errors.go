package skysim

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for unsupported channels, field tags or
	// instrument tables.
	ErrConfiguration = errors.New("skysim: configuration error")
	// ErrDataIntegrity is returned when input maps do not match the expected
	// pixelization.
	ErrDataIntegrity = errors.New("skysim: data integrity error")
)

// ErrUnsupportedChannel represents a channel outside the instrument model.
type ErrUnsupportedChannel struct {
	Channel Channel
}

func (e *ErrUnsupportedChannel) Error() string {
	return fmt.Sprintf("unsupported channel %d GHz", e.Channel)
}

func (e *ErrUnsupportedChannel) Unwrap() error { return ErrConfiguration }

// ErrInvalidField represents an unknown field-type tag.
type ErrInvalidField struct {
	Tag string
}

func (e *ErrInvalidField) Error() string {
	return fmt.Sprintf("invalid field tag %q (want I, T or P)", e.Tag)
}

func (e *ErrInvalidField) Unwrap() error { return ErrConfiguration }

// ErrInvalidStokesPair represents an unknown covariance tag.
type ErrInvalidStokesPair struct {
	Tag string
}

func (e *ErrInvalidStokesPair) Error() string {
	return fmt.Sprintf("invalid covariance tag %q", e.Tag)
}

func (e *ErrInvalidStokesPair) Unwrap() error { return ErrConfiguration }

// ErrPixelCount represents a map whose size does not match its nside.
type ErrPixelCount struct {
	Path string
	Got  int
	Want int
}

func (e *ErrPixelCount) Error() string {
	return fmt.Sprintf("map %q has %d pixels, expected %d", e.Path, e.Got, e.Want)
}

func (e *ErrPixelCount) Unwrap() error { return ErrDataIntegrity }

// ErrOpenFile represents an error when opening a file.
type ErrOpenFile struct {
	Filename string
	Err      error
}

func (e *ErrOpenFile) Error() string {
	return fmt.Sprintf("error opening file %q: %v", e.Filename, e.Err)
}

func (e *ErrOpenFile) Unwrap() error { return e.Err }
