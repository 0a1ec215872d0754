package nbot

import "errors"

// ErrEmptyReply is returned when the model produced no usable choices, or
// when an agent combined its reply segments into nothing and the agent does
// not accept empty replies.
var ErrEmptyReply = errors.New("empty reply")

// ErrNoEndpoint is returned when no endpoint is configured for the model
// type an agent wants to talk to.
var ErrNoEndpoint = errors.New("no endpoint configured")
