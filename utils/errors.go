package utils

import "errors"

var (
	ErrEmptyUserID    = errors.New("user ID cannot be empty")
	ErrEmptyChapterID = errors.New("chapter ID cannot be empty")
	ErrEmptyTitleID   = errors.New("title ID cannot be empty")
	ErrEmptyIP        = errors.New("IP address cannot be empty")
	ErrInvalidIP      = errors.New("invalid IP address")
	ErrEmptyEndpoint  = errors.New("endpoint cannot be empty")
	ErrEmptyReason    = errors.New("block reason cannot be empty")
	ErrInvalidDuration = errors.New("block duration must be positive")
)
