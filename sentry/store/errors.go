// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package store

import "errors"

var (
	// ErrAlertNotFound is returned when no alert matches the given ID.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrBanNotFound is returned when no active ban exists for the subject.
	ErrBanNotFound = errors.New("ban not found")

	// ErrBanExists is returned when a subject already carries an active ban.
	ErrBanExists = errors.New("active ban already exists for subject")

	// ErrPrincipalNotFound is returned when no principal matches the name.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrForwarderNotFound is returned when no forwarder matches the ID.
	ErrForwarderNotFound = errors.New("forwarder not found")

	// ErrStatusRegression is returned when an alert status update would move
	// the alert backwards in review (e.g. REVIEWED back to NEW) or past a
	// terminal BANNED state.
	ErrStatusRegression = errors.New("alert status transition not allowed")

	// ErrInvalidInput is returned when required fields are missing or carry
	// unknown values.
	ErrInvalidInput = errors.New("invalid input")
)
